// Command gatekeeper runs the merge-automation bot: a webhook server that
// gates pull requests against approvals/builds/issue-tracker checks,
// cascades admitted changes across every active maintenance line, and
// serializes merges through a per-version queue.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clarketm/gatekeeper/branch"
	"github.com/clarketm/gatekeeper/config"
	"github.com/clarketm/gatekeeper/dispatch"
	"github.com/clarketm/gatekeeper/gate"
	"github.com/clarketm/gatekeeper/git"
	"github.com/clarketm/gatekeeper/host"
	"github.com/clarketm/gatekeeper/host/bitbucket"
	"github.com/clarketm/gatekeeper/host/github"
	"github.com/clarketm/gatekeeper/ingress"
	"github.com/clarketm/gatekeeper/metrics"
	"github.com/clarketm/gatekeeper/version"
)

// buildVersion is overridden at link time via -ldflags, matching the
// teacher's cmd binaries' convention for reporting their own build.
var buildVersion = "dev"

var (
	configPath string
	baseDir    string
	addr       string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Merge-automation bot for a cascading-branch monorepo",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "gatekeeper.yaml", "path to the settings file")
	root.PersistentFlags().StringVar(&baseDir, "base-dir", "/var/lib/gatekeeper", "directory for mirror clones and worktrees")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")

	gateCmd := &cobra.Command{
		Use:   "gate <pr-number>",
		Short: "Evaluate a single pull request once and print the verdict, without mutating anything",
		Args:  cobra.ExactArgs(1),
		RunE:  runGateDryRun,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildVersion)
		},
	}

	queueCmd := &cobra.Command{Use: "queue", Short: "Inspect or recover the merge queue"}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print queue depth and inconsistency state",
		RunE:  runQueueStatus,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Explain how a queue's inconsistency flag clears; a running server is not changed",
		RunE:  runQueueReset,
	})

	root.AddCommand(serveCmd, gateCmd, versionCmd, queueCmd)
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("gatekeeper exited with an error")
	}
}

func setupLogger() *logrus.Entry {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(logLevel); err == nil {
		logger.SetLevel(lvl)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(logger)
}

// buildHost constructs the configured host.Host implementation plus its
// matching webhook ingress.Adapter, mirroring settings.RepositoryHost
// ("github" or "bitbucket").
func buildHost(s *config.Settings, logger *logrus.Entry) (host.Host, ingress.Adapter, error) {
	switch s.RepositoryHost {
	case "github":
		tokens := github.NewStaticTokenSource(s.RobotPassword)
		return github.New(tokens, 5, 10, logger), github.Adapter{}, nil
	case "bitbucket", "":
		return bitbucket.New(s.RobotUsername, s.RobotPassword, s.RobotEmail, logger), bitbucket.Adapter{}, nil
	default:
		return nil, nil, fmt.Errorf("gatekeeper: unknown repository_host %q", s.RepositoryHost)
	}
}

// gitHostURL maps the configured provider name to the HTTPS git remote
// host git.Client clones against.
func gitHostURL(provider string) string {
	switch provider {
	case "github":
		return "https://github.com"
	case "bitbucket", "":
		return "https://bitbucket.org"
	default:
		return "https://" + provider
	}
}

// discoverLattice enumerates development/* branches on the remote to build
// the active version.Lattice (spec.md §2: "the set of development(v) refs
// observed in the repository").
func discoverLattice(gitCli *git.Client, owner, slug string) (*version.Lattice, error) {
	repo, err := gitCli.Clone(fmt.Sprintf("%s/%s", owner, slug))
	if err != nil {
		return nil, err
	}
	defer repo.Clean()

	refs, err := repo.ListRefs("development/*")
	if err != nil {
		return nil, err
	}
	var versions []version.Version
	for _, r := range refs {
		n := branch.Parse(r.Name)
		if n.Kind == branch.Development {
			versions = append(versions, n.Version)
		}
	}
	return version.NewLattice(versions), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	agent, err := config.NewAgent(configPath, logger)
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()
	settings := agent.Config()

	gitCli, err := git.NewClient(baseDir, gitHostURL(settings.RepositoryHost), settings.RobotUsername, settings.RobotPassword, logger)
	if err != nil {
		return err
	}

	h, adapter, err := buildHost(settings, logger)
	if err != nil {
		return err
	}

	lattice, err := discoverLattice(gitCli, settings.RepositoryOwner, settings.RepositorySlug)
	if err != nil {
		return fmt.Errorf("gatekeeper: discovering version lattice: %w", err)
	}
	logger.WithField("versions", lattice.Versions()).Info("discovered development lattice")

	m := metrics.New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	disp := dispatch.New(logger)
	disp.Start(cmd.Context())
	defer disp.Stop()

	orch := newOrchestrator(agent, gitCli, h, lattice, m, logger)

	sched := dispatch.NewScheduler(disp, logger)
	if err := sched.AddSweep("queue-sweep", "@every 5m", orch.PeriodicSweep); err != nil {
		logger.WithError(err).Warn("failed to register periodic sweep")
	}
	sched.Start()
	defer sched.Stop()

	srv := ingress.New(agent, disp, orch.jobFactory(), m, logger)
	srv.RegisterHost(settings.RepositoryHost, adapter)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.WithField("addr", addr).Info("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	return httpSrv.Shutdown(context.Background())
}

func runGateDryRun(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	agent, err := config.NewAgent(configPath, logger)
	if err != nil {
		return err
	}
	settings := agent.Config()

	gitCli, err := git.NewClient(baseDir, gitHostURL(settings.RepositoryHost), settings.RobotUsername, settings.RobotPassword, logger)
	if err != nil {
		return err
	}
	h, _, err := buildHost(settings, logger)
	if err != nil {
		return err
	}
	lattice, err := discoverLattice(gitCli, settings.RepositoryOwner, settings.RepositorySlug)
	if err != nil {
		return err
	}

	var prID int
	if _, err := fmt.Sscanf(args[0], "%d", &prID); err != nil {
		return fmt.Errorf("gatekeeper: %q is not a PR number", args[0])
	}

	ctx := cmd.Context()
	pr, err := h.GetPullRequest(ctx, settings.RepositoryOwner, settings.RepositorySlug, prID)
	if err != nil {
		return err
	}

	deps := gate.Deps{Settings: settings, Lattice: lattice, Host: h, Owner: settings.RepositoryOwner, Slug: settings.RepositorySlug, BotLogin: settings.RobotUsername}
	plan, err := gate.Evaluate(ctx, deps, pr, nil)
	if err != nil {
		fmt.Printf("NOT READY: %v\n", err)
		return nil
	}
	fmt.Printf("READY: cascade=%v\n", plan.Cascade)
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	agent, err := config.NewAgent(configPath, logger)
	if err != nil {
		return err
	}
	settings := agent.Config()

	gitCli, err := git.NewClient(baseDir, gitHostURL(settings.RepositoryHost), settings.RobotUsername, settings.RobotPassword, logger)
	if err != nil {
		return err
	}
	repo, err := gitCli.Clone(fmt.Sprintf("%s/%s", settings.RepositoryOwner, settings.RepositorySlug))
	if err != nil {
		return err
	}
	defer repo.Clean()

	refs, err := repo.ListRefs("q/*")
	if err != nil {
		return err
	}
	fmt.Printf("%d queue refs present\n", len(refs))
	for _, r := range refs {
		fmt.Printf("  %s (created %s)\n", r.Name, r.CreatedAt)
	}
	return nil
}

func runQueueReset(cmd *cobra.Command, args []string) error {
	fmt.Println("queue reset does not reach a running server; its inconsistency flag stays set until the server restarts")
	return nil
}
