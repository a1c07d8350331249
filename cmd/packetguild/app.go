package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	server "github.com/kazz187/packetguild/internal"
	"github.com/kazz187/packetguild/internal/artifact"
	artifactrepo "github.com/kazz187/packetguild/internal/artifact/repositoryimpl"
	"github.com/kazz187/packetguild/internal/checkpoint"
	"github.com/kazz187/packetguild/internal/config"
	"github.com/kazz187/packetguild/internal/dispatch"
	"github.com/kazz187/packetguild/internal/eventbus"
	"github.com/kazz187/packetguild/internal/gate"
	"github.com/kazz187/packetguild/internal/metrics"
	"github.com/kazz187/packetguild/internal/packet"
	packetrepo "github.com/kazz187/packetguild/internal/packet/repositoryimpl"
	"github.com/kazz187/packetguild/internal/status"
	"github.com/kazz187/packetguild/internal/strategy"
	"github.com/kazz187/packetguild/internal/supervisor"
	"github.com/kazz187/packetguild/pkg/clog"
)

type app struct {
	env       *config.Env
	bus       *eventbus.Bus
	store     *packet.Store
	gates     *gate.Enforcer
	artifacts *artifact.Manager
	slot      *checkpoint.Slot

	closeOnce    sync.Once
	closeStorage func() error
}

type planFile struct {
	Subtasks  []*packet.Subtask `yaml:"subtasks"`
	Artifacts []string          `yaml:"artifacts,omitempty"`
}

func newApp(ctx context.Context) (*app, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}

	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	st, closeStorage, err := env.StorageEnv.OpenStorage(ctx)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	artifacts := artifact.NewManager(artifactrepo.NewMarkdownRepository(st), bus)
	gates := gate.NewEnforcer(artifacts)
	return &app{
		env:          env,
		bus:          bus,
		store:        packet.NewStore(packetrepo.NewYAMLRepository(st), gates, bus),
		gates:        gates,
		artifacts:    artifacts,
		slot:         checkpoint.NewSlot(st),
		closeStorage: closeStorage,
	}, nil
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		if err := a.closeStorage(); err != nil {
			slog.Warn("failed to close storage", "error", err)
		}
	})
}

func (a *app) run(ctx context.Context, command string) error {
	switch command {
	case serveCmd.FullCommand():
		return a.serve(ctx)
	case timerCmd.FullCommand():
		return a.runTimer(ctx)
	case checkpointCmd.FullCommand():
		return a.showCheckpoint(ctx)
	case analyzeCmd.FullCommand():
		plan, err := readPlan(*analyzeFile)
		if err != nil {
			return err
		}
		in := make([]strategy.Subtask, 0, len(plan.Subtasks))
		for _, s := range plan.Subtasks {
			in = append(in, strategy.Subtask{ID: s.ID, Resources: s.Resources, DependsOn: s.DependsOn})
		}
		d, err := strategy.Analyze(in, a.env.MaxConcurrency)
		if err != nil {
			return err
		}
		return printYAML(d)

	case packetCreateCmd.FullCommand():
		p, err := a.store.Create(ctx, packet.Contract{
			Title:              *packetCreateTitle,
			Requirements:       *packetCreateReqs,
			AcceptanceCriteria: *packetCreateCriteria,
		})
		if err != nil {
			return err
		}
		fmt.Println(p.ID)
		return nil
	case packetListCmd.FullCommand():
		ps, err := a.store.List(ctx, packet.ListFilter{Phase: packet.Phase(*packetListPhase)})
		if err != nil {
			return err
		}
		for _, p := range ps {
			fmt.Printf("%s\t%-10s\t%s\n", p.ID, p.Phase, p.Contract.Title)
		}
		return nil
	case packetShowCmd.FullCommand():
		p, err := a.store.Get(ctx, *packetShowID)
		if err != nil {
			return err
		}
		return printYAML(p)
	case packetLogCmd.FullCommand():
		entries, err := a.store.WorkLog(ctx, *packetLogID, *packetLogSince)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%4d %s %-17s %-11s %s\n", e.Seq, e.AppendedAt.Format(time.RFC3339), e.Kind, e.Role, e.Message)
		}
		return nil
	case packetAdvanceCmd.FullCommand():
		p, err := a.store.AdvancePhase(ctx, *packetAdvanceID, packet.Phase(*packetAdvancePhase))
		if err != nil {
			return err
		}
		fmt.Printf("%s is now in %s\n", p.ID, p.Phase)
		return nil
	case packetPlanCmd.FullCommand():
		plan, err := readPlan(*packetPlanFile)
		if err != nil {
			return err
		}
		sup, _, err := a.supervisor(".")
		if err != nil {
			return err
		}
		p, err := sup.Plan(ctx, *packetPlanID, plan.Subtasks, plan.Artifacts)
		if err != nil {
			return err
		}
		return printYAML(p.Plan.Decision)
	case packetGatesCmd.FullCommand():
		p, err := a.store.Get(ctx, *packetGatesID)
		if err != nil {
			return err
		}
		gs, err := a.gates.Status(ctx, p)
		if err != nil {
			return err
		}
		return printYAML(gs)
	case packetVerdictCmd.FullCommand():
		p, err := a.store.RecordVerdict(ctx, *packetVerdictID, packet.VerdictKind(*packetVerdictKind),
			packet.Verdict(*packetVerdictValue), *packetVerdictReviewer, *packetVerdictNotes)
		if err != nil {
			return err
		}
		fmt.Printf("review outcome: %s\n", p.Review.Outcome)
		return nil
	case packetFinalizeCmd.FullCommand():
		p, err := a.store.Finalize(ctx, *packetFinalizeID, *packetFinalizeBy)
		if err != nil {
			return err
		}
		fmt.Printf("%s accepted by %s\n", p.ID, p.Acceptance.SignedOffBy)
		return nil

	case artifactPersistCmd.FullCommand():
		body, err := os.ReadFile(*artifactPersistBody)
		if err != nil {
			return err
		}
		art, err := a.artifacts.Persist(ctx, *artifactPersistPacket, artifact.Draft{
			Category: artifact.Category(*artifactPersistCategory),
			Feature:  *artifactPersistFeature,
			Document: *artifactPersistDocument,
			Title:    *artifactPersistTitle,
			Body:     string(body),
			Upstream: *artifactPersistUpstream,
		})
		if err != nil {
			return err
		}
		fmt.Println(art.Location)
		return nil
	case artifactAmendCmd.FullCommand():
		body, err := os.ReadFile(*artifactAmendBody)
		if err != nil {
			return err
		}
		art, diff, err := a.artifacts.Amend(ctx, *artifactAmendPacket, *artifactAmendLocation, string(body))
		if err != nil {
			return err
		}
		fmt.Println(art.Location)
		fmt.Print(diff)
		return nil
	case artifactListCmd.FullCommand():
		arts, err := a.artifacts.List(ctx, artifact.Category(*artifactListCategory), *artifactListFeature)
		if err != nil {
			return err
		}
		for _, art := range arts {
			fmt.Printf("%s\tv%d\t%s\n", art.Location, art.Version, art.Title)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

// supervisor wires a dispatcher whose handlers run subtask commands in
// workspace.
func (a *app) supervisor(workspace string) (*supervisor.Supervisor, *dispatch.Dispatcher, error) {
	registry := dispatch.NewRegistry()
	for _, role := range packet.Roles {
		if err := registry.Register(role, dispatch.CommandHandler{}); err != nil {
			return nil, nil, err
		}
	}
	d, err := dispatch.NewDispatcher(a.store, a.gates, registry, dispatch.NewWorkspace(workspace),
		a.env.MaxConcurrency, dispatch.WithBus(a.bus))
	if err != nil {
		return nil, nil, err
	}
	sup, err := supervisor.New(a.store, d, a.slot, a.bus, supervisor.Config{
		TickInterval:   a.env.TickInterval,
		MaxTicks:       a.env.MaxTicks,
		MaxConcurrency: a.env.MaxConcurrency,
	})
	if err != nil {
		return nil, nil, err
	}
	return sup, d, nil
}

func (a *app) serve(ctx context.Context) error {
	m := metrics.New()
	go m.Run(ctx, a.bus)

	sup, d, err := a.supervisor(*serveWorkspace)
	if err != nil {
		return err
	}

	srv := server.NewServer(a.env, status.NewHandler(status.NewService(a.store, a.gates, d, sup.Monitor())), m)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
		}
	}()

	ids := *servePackets
	if len(ids) == 0 {
		ps, err := a.store.List(ctx, packet.ListFilter{Phase: packet.PhaseWork})
		if err != nil {
			return err
		}
		for _, p := range ps {
			ids = append(ids, p.ID)
		}
	}
	for _, id := range ids {
		if _, err := sup.Start(ctx, id); err != nil {
			slog.ErrorContext(ctx, "failed to start packet", "packet_id", id, "error", err)
		}
	}

	if *serveExternalTimer {
		if a.env.StorageEnv.Type != "local" && a.env.StorageEnv.Type != "" {
			return fmt.Errorf("--external-timer needs local storage, got %q", a.env.StorageEnv.Type)
		}
		err = checkpoint.WatchSlot(ctx, a.env.BaseDir, func(ctx context.Context) {
			if _, err := sup.OnCheckpoint(ctx); err != nil {
				slog.ErrorContext(ctx, "checkpoint handling failed", "error", err)
			}
		})
	} else {
		err = sup.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "supervisor stopped", "error", err)
	}
	if sup.Idle() {
		slog.InfoContext(ctx, "nothing left to supervise; serving status until shutdown")
	}

	<-ctx.Done()
	slog.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) runTimer(ctx context.Context) error {
	t, err := checkpoint.NewTimer(a.slot, a.env.TickInterval, a.env.MaxTicks, checkpoint.WithBus(a.bus))
	if err != nil {
		return err
	}
	if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) showCheckpoint(ctx context.Context) error {
	cp, err := a.slot.Read(ctx)
	if err != nil {
		return err
	}
	lastSeen, err := a.slot.LastSeen(ctx)
	if err != nil {
		return err
	}
	return printYAML(map[string]any{
		"checkpoint": cp,
		"last_seen":  lastSeen,
		"max_ticks":  a.env.MaxTicks,
	})
}

func readPlan(path string) (*planFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p planFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	return &p, nil
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
