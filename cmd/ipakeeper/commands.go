package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/service"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":      cmdLogin,
	"logout":     cmdLogout,
	"accounts":   cmdAccounts,
	"lookup":     cmdLookup,
	"search":     cmdSearch,
	"versions":   cmdVersions,
	"purchase":   cmdPurchase,
	"download":   cmdDownload,
	"jobs":       cmdJobs,
	"resume":     cmdResume,
	"restart":    cmdRestart,
	"delete":     cmdDelete,
	"remove-all": cmdRemoveAll,
}

func newFlagSet(a *app, name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

// accountView hides credentials and cookies.
type accountView struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	StoreFront string    `json:"store_front"`
	Region     string    `json:"region"`
}

func viewAccount(acc model.Account) accountView {
	return accountView{
		ID:         acc.ID,
		Email:      acc.Email,
		Name:       strings.TrimSpace(acc.FirstName + " " + acc.LastName),
		StoreFront: acc.Store,
		Region:     acc.Region(),
	}
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "login")
	email := fs.StringP("email", "e", "", "Apple ID")
	password := fs.StringP("password", "p", "", "password (default $IPAKEEPER_PASSWORD)")
	code := fs.String("code", "", "two-factor verification code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("login: -e is required")
	}
	if *password == "" {
		*password = os.Getenv("IPAKEEPER_PASSWORD")
	}
	if *password == "" {
		return errors.New("login: password is required")
	}

	var cookies model.Cookies
	if prev, err := a.sessions.GetByEmail(*email); err == nil {
		cookies = prev.Cookies
	}
	acc, err := a.auth.Authenticate(ctx, *email, *password, *code, cookies)
	if errors.Is(err, errs.ErrVerificationRequired) {
		return fmt.Errorf("%w: rerun with --code", err)
	}
	if err != nil {
		return err
	}
	if acc, err = a.sessions.Save(ctx, acc); err != nil {
		return err
	}
	return printJSON(a.stdout, viewAccount(acc))
}

func cmdLogout(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "logout")
	email := fs.StringP("email", "e", "", "Apple ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	acc, err := a.account(*email)
	if err != nil {
		return err
	}
	return a.sessions.Delete(ctx, acc.ID)
}

func cmdAccounts(_ context.Context, a *app, _ []string) error {
	out := []accountView{}
	for _, acc := range a.sessions.List() {
		out = append(out, viewAccount(acc))
	}
	return printJSON(a.stdout, out)
}

func cmdLookup(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "lookup")
	region := fs.String("region", "", "two-letter store region (default: first account's)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("lookup: bundle id required")
	}
	entry, err := a.catalog.Lookup(ctx, fs.Arg(0), a.region(*region))
	if err != nil {
		return err
	}
	return printJSON(a.stdout, entry)
}

func cmdSearch(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "search")
	region := fs.String("region", "", "two-letter store region (default: first account's)")
	limit := fs.Int("limit", 10, "maximum results")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("search: term required")
	}
	apps, err := a.catalog.Search(ctx, strings.Join(fs.Args(), " "), a.region(*region), *limit)
	if err != nil {
		return err
	}
	return printJSON(a.stdout, apps)
}

func cmdVersions(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "versions")
	email := fs.StringP("email", "e", "", "Apple ID (default: only account)")
	count := fs.Int("count", a.cfg.Catalog.HistoryPage, "records to describe")
	all := fs.Bool("all", false, "describe every version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("versions: bundle id required")
	}
	h, _, err := a.history(ctx, *email, fs.Arg(0))
	if err != nil {
		return err
	}
	for {
		if _, err := h.LoadNext(ctx, *count); err != nil {
			return err
		}
		if !*all || h.FullyLoaded() {
			break
		}
	}
	return printJSON(a.stdout, struct {
		Identifiers []string              `json:"identifiers"`
		Records     []model.VersionRecord `json:"records"`
	}{h.Identifiers(), h.Records()})
}

func cmdPurchase(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "purchase")
	email := fs.StringP("email", "e", "", "Apple ID (default: only account)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("purchase: bundle id required")
	}
	acc, err := a.account(*email)
	if err != nil {
		return err
	}
	entry, err := a.catalog.Lookup(ctx, fs.Arg(0), acc.Region())
	if err != nil {
		return err
	}
	if err := a.packages.AcquireLicense(ctx, acc.ID, entry); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "licensed %s (%d)\n", entry.BundleID, entry.ID)
	return nil
}

func cmdDownload(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "download")
	email := fs.StringP("email", "e", "", "Apple ID (default: only account)")
	versionID := fs.String("version", "", "historical version identifier (default: latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("download: bundle id required")
	}

	var (
		acc   model.Account
		entry model.AppIdentity
		err   error
	)
	if *versionID != "" {
		var h *service.History
		if h, acc, err = a.history(ctx, *email, fs.Arg(0)); err != nil {
			return err
		}
		if _, err := h.Load(ctx, *versionID); err != nil {
			return err
		}
		entry, _ = h.Package(*versionID)
	} else {
		if acc, err = a.account(*email); err != nil {
			return err
		}
		if entry, err = a.catalog.Lookup(ctx, fs.Arg(0), acc.Region()); err != nil {
			return err
		}
	}

	job, err := a.packages.Request(ctx, acc.ID, entry)
	if err != nil {
		return err
	}
	return a.follow(ctx, job.ID)
}

func cmdJobs(_ context.Context, a *app, _ []string) error {
	type jobView struct {
		ID       uuid.UUID      `json:"id"`
		Account  string         `json:"account"`
		Bundle   string         `json:"bundle_id"`
		Version  string         `json:"version"`
		State    model.JobState `json:"state"`
		Artifact string         `json:"artifact,omitempty"`
	}
	out := []jobView{}
	for _, j := range a.manager.List() {
		v := jobView{ID: j.ID, Account: j.AccountEmail, Bundle: j.App.BundleID, Version: j.App.Version, State: j.State}
		if j.State.Status == model.StatusCompleted {
			v.Artifact = a.manager.ArtifactPath(j)
		}
		out = append(out, v)
	}
	return printJSON(a.stdout, out)
}

func cmdResume(ctx context.Context, a *app, args []string) error {
	id, err := jobArg("resume", args)
	if err != nil {
		return err
	}
	if err := a.manager.Start(ctx, id); err != nil {
		return err
	}
	return a.follow(ctx, id)
}

func cmdRestart(ctx context.Context, a *app, args []string) error {
	id, err := jobArg("restart", args)
	if err != nil {
		return err
	}
	if err := a.manager.Restart(ctx, id); err != nil {
		return err
	}
	return a.follow(ctx, id)
}

func cmdDelete(ctx context.Context, a *app, args []string) error {
	id, err := jobArg("delete", args)
	if err != nil {
		return err
	}
	return a.manager.Delete(ctx, id)
}

func cmdRemoveAll(ctx context.Context, a *app, _ []string) error {
	return a.manager.RemoveAll(ctx)
}

func jobArg(name string, args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("%s: job id required", name)
	}
	id, err := uuid.FromString(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: bad job id: %w", name, err)
	}
	return id, nil
}

// account resolves email, or the only account when email is empty.
func (a *app) account(email string) (model.Account, error) {
	if email != "" {
		acc, err := a.sessions.GetByEmail(email)
		if err != nil {
			return model.Account{}, fmt.Errorf("account %s: %w", email, err)
		}
		return acc, nil
	}
	accounts := a.sessions.List()
	switch len(accounts) {
	case 0:
		return model.Account{}, errNoAccount
	case 1:
		return accounts[0], nil
	default:
		return model.Account{}, errors.New("several accounts signed in; pick one with -e")
	}
}

// region falls back to the first account's region, then to the US store.
func (a *app) region(region string) string {
	if region != "" {
		return strings.ToUpper(region)
	}
	for _, acc := range a.sessions.List() {
		if r := acc.Region(); r != "" {
			return r
		}
	}
	return "US"
}

func (a *app) history(ctx context.Context, email, bundleID string) (*service.History, model.Account, error) {
	acc, err := a.account(email)
	if err != nil {
		return nil, model.Account{}, err
	}
	entry, err := a.catalog.Lookup(ctx, bundleID, acc.Region())
	if err != nil {
		return nil, model.Account{}, err
	}
	h := service.NewHistory(a.catalog, a.sessions, acc.ID, acc.Region(), entry, a.cfg.Catalog.VersionsNewestFirst, a.log)
	if _, err := h.LoadIdentifiers(ctx); err != nil {
		return nil, model.Account{}, err
	}
	return h, acc, nil
}

// follow prints progress until the job finishes. An interrupt suspends the
// job with its partial data kept so resume can continue it.
func (a *app) follow(ctx context.Context, id uuid.UUID) error {
	events, cancel := a.manager.Subscribe()
	defer cancel()
	go func() {
		last := -1
		for ev := range events {
			if ev.Job.ID != id || ev.Job.State.Status != model.StatusDownloading {
				continue
			}
			pct := int(ev.Job.State.Percent * 100)
			if pct == last {
				continue
			}
			last = pct
			fmt.Fprintf(a.stderr, "%3d%%  %s\n", pct, ev.Job.State.Speed)
		}
	}()

	job, err := a.manager.Wait(ctx, id)
	if ctx.Err() != nil {
		sctx, done := detached()
		defer done()
		if err := a.manager.Suspend(sctx, id); err != nil && !errors.Is(err, errs.ErrInvalidState) {
			a.log.Warn("suspend on interrupt", zap.Error(err))
		}
		fmt.Fprintf(a.stderr, "suspended %s; continue with: ipakeeper resume %s\n", id, id)
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if job.State.Status == model.StatusFailed {
		return fmt.Errorf("job %s failed: %s", id, job.State.Error)
	}
	return printJSON(a.stdout, struct {
		Job      model.Job `json:"job"`
		Artifact string    `json:"artifact"`
	}{job, a.manager.ArtifactPath(job)})
}
