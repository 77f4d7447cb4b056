// Command mindmap-mcp is the stdio MCP server exposing the mindmap
// associative query engine: stderr logging, best-effort .env load, state
// path resolution, then construct and wire every component before
// serving.
package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/vthunder/mindmap/internal/config"
	"github.com/vthunder/mindmap/internal/logging"
	"github.com/vthunder/mindmap/internal/mcp"
	"github.com/vthunder/mindmap/internal/mcp/tools"
	"github.com/vthunder/mindmap/internal/mindmap/cache"
	"github.com/vthunder/mindmap/internal/mindmap/graph"
	"github.com/vthunder/mindmap/internal/mindmap/hebbian"
	"github.com/vthunder/mindmap/internal/mindmap/inhibition"
	"github.com/vthunder/mindmap/internal/mindmap/pipeline"
	"github.com/vthunder/mindmap/internal/mindmap/snapshot"
	"github.com/vthunder/mindmap/internal/profiling"
)

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("[mindmap-mcp] ")

	cfg, err := config.Load(os.Getenv("MINDMAP_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("Starting mindmap MCP server, state dir %s", cfg.StateDir)

	traceLevel := profiling.ProfilingLevel(os.Getenv("MINDMAP_TRACE_LEVEL"))
	if traceLevel == "" {
		traceLevel = profiling.LevelOff
	}
	if err := profiling.Init(traceLevel, os.Getenv("MINDMAP_TRACE_LOG")); err != nil {
		log.Printf("profiling disabled: %v", err)
	}

	graphStore, err := snapshot.LoadGraph(cfg.StateDir)
	if err != nil {
		log.Printf("warning: %v", err)
	}
	inhibitionFilter, err := snapshot.LoadInhibition(cfg.StateDir)
	if err != nil {
		log.Printf("warning: %v", err)
	}

	queryCache := cache.New(cfg.CacheShardCount, cfg.CacheCapBytes, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	graphStore.SetInvalidationSink(queryCache)

	learner := hebbian.New(graphStore)
	learner.Start()
	defer learner.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go learner.RunDecayTicker(ctx,
		time.Duration(cfg.HebbianDecayIntervalSeconds)*time.Second,
		time.Duration(cfg.HebbianDecayWindowSeconds)*time.Second,
		cfg.HebbianDecayRate,
		cfg.HebbianPruneThreshold,
	)
	go runInhibitionDecayTicker(ctx, inhibitionFilter, cfg)
	go runSnapshotTicker(ctx, cfg, graphStore, inhibitionFilter)

	pipe := pipeline.New(graphStore, queryCache, inhibitionFilter, learner)

	deps := tools.Deps{
		Pipeline:   pipe,
		Graph:      graphStore,
		Cache:      queryCache,
		Hebbian:    learner,
		Inhibition: inhibitionFilter,
		Scanner:    maybeStartScanner(),
	}
	if deps.Scanner != nil {
		defer deps.Scanner.Close()
	}

	server := mcp.NewServer()
	tools.Register(server, deps)

	auxProxies := maybeStartAuxiliaryProxies(server)
	defer func() {
		for _, p := range auxProxies {
			p.Close()
		}
	}()

	log.Printf("Registered %d tools", server.ToolCount())

	if err := server.Run(); err != nil {
		saveAll(cfg, graphStore, inhibitionFilter)
		log.Fatalf("server error: %v", err)
	}
	saveAll(cfg, graphStore, inhibitionFilter)
}

// maybeStartAuxiliaryProxies fans out to every stdio server named in an
// .mcp.json file, registering each of their tools directly onto server
// alongside the eight mindmap operations. Unlike the single scanner
// (MINDMAP_SCANNER_COMMAND), this is for arbitrary auxiliary tool
// servers and is opt-in via MINDMAP_MCP_CONFIG.
func maybeStartAuxiliaryProxies(server *mcp.Server) []*mcp.ProxyClient {
	path := os.Getenv("MINDMAP_MCP_CONFIG")
	if path == "" {
		return nil
	}
	proxies, err := mcp.StartProxiesFromConfig(path, server)
	if err != nil {
		log.Printf("auxiliary mcp config not loaded: %v", err)
		return nil
	}
	return proxies
}

func maybeStartScanner() *mcp.ScannerClient {
	fields := strings.Fields(os.Getenv("MINDMAP_SCANNER_COMMAND"))
	if len(fields) == 0 {
		return nil
	}
	toolName := os.Getenv("MINDMAP_SCANNER_TOOL")
	if toolName == "" {
		toolName = "scan"
	}
	client, err := mcp.StartScanner(mcp.ExternalServerConfig{
		Name:    "scanner",
		Command: fields[0],
		Args:    fields[1:],
	}, toolName)
	if err != nil {
		log.Printf("scanner not available: %v", err)
		return nil
	}
	return client
}

func runInhibitionDecayTicker(ctx context.Context, filter *inhibition.Filter, cfg config.Config) {
	interval := time.Duration(cfg.HebbianDecayIntervalSeconds) * time.Second
	halfLife := time.Duration(cfg.InhibitionHalfLifeDays * float64(24*time.Hour))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := filter.DecayTick(time.Now(), halfLife); pruned > 0 {
				logging.Debug("inhibition", "decay tick pruned %d patterns", pruned)
			}
		}
	}
}

// runSnapshotTicker periodically persists state; snapshot writes build
// their own defensive copy under the graph lock and do I/O outside it
// (spec §5), so this runs safely alongside live queries.
func runSnapshotTicker(ctx context.Context, cfg config.Config, g *graph.Store, filter *inhibition.Filter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveAll(cfg, g, filter)
		}
	}
}

func saveAll(cfg config.Config, g *graph.Store, filter *inhibition.Filter) {
	if err := snapshot.SaveGraph(cfg.StateDir, g); err != nil {
		log.Printf("snapshot graph save failed: %v", err)
	}
	if err := snapshot.SaveInhibition(cfg.StateDir, filter.Patterns()); err != nil {
		log.Printf("snapshot inhibition save failed: %v", err)
	}
}
