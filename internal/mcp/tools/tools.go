// Package tools registers the eight mindmap operations (spec §6.2) onto
// an MCP server using a deps-struct-plus-closures style: one Deps value
// captures every live component, and each tool's handler is a method
// value bound to it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/vthunder/mindmap/internal/mcp"
	"github.com/vthunder/mindmap/internal/mindmap/activation"
	"github.com/vthunder/mindmap/internal/mindmap/cache"
	"github.com/vthunder/mindmap/internal/mindmap/errs"
	"github.com/vthunder/mindmap/internal/mindmap/graph"
	"github.com/vthunder/mindmap/internal/mindmap/hebbian"
	"github.com/vthunder/mindmap/internal/mindmap/inhibition"
	"github.com/vthunder/mindmap/internal/mindmap/pipeline"
)

// Deps bundles everything a tool handler needs. All fields except
// Scanner are required.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Graph      *graph.Store
	Cache      *cache.Cache
	Hebbian    *hebbian.Learner
	Inhibition *inhibition.Filter
	Scanner    *mcp.ScannerClient // nil when no external scanner is configured
}

// Register wires the eight operations in spec §6.2 onto server.
func Register(server *mcp.Server, deps Deps) {
	server.RegisterTool("query", mcp.ToolDef{
		Description: "Run an associative query against the mindmap: seed, spread activation, suppress inhibited results, and rank.",
		Properties: map[string]mcp.PropDef{
			"query":             {Type: "string", Description: "Query text"},
			"type":              {Type: "string", Description: "Restrict results to one node kind"},
			"limit":             {Type: "number", Description: "Maximum results to return"},
			"include_metadata":  {Type: "boolean", Description: "Include full node metadata in results"},
			"use_activation":    {Type: "boolean", Description: "Spread activation from seeds instead of using seeds directly"},
			"bypass_cache":      {Type: "boolean", Description: "Skip the query cache"},
			"bypass_inhibition": {Type: "boolean", Description: "Skip the inhibition filter"},
			"bypass_hebbian":    {Type: "boolean", Description: "Skip co-activation learning for this query"},
			"hop_cap":           {Type: "number", Description: "Maximum activation hop count"},
			"context":           {Type: "object", Description: "Query context: active_files, current_task, recent_errors, frameworks, languages"},
		},
		Required: []string{"query"},
	}, deps.handleQuery)

	server.RegisterTool("update_from_task", mcp.ToolDef{
		Description: "Record the outcome of a task: updates node tasks, reinforces co-activation, and learns inhibitory patterns on failure.",
		Properties: map[string]mcp.PropDef{
			"task_description":    {Type: "string", Description: "What the task was"},
			"files_involved":      {Type: "array", Description: "File paths touched by the task"},
			"outcome":             {Type: "string", Description: "success | error | partial"},
			"error_details":       {Type: "object", Description: "error_type, error_message when outcome=error"},
			"solution_details":    {Type: "string", Description: "Free-form description of how the task was resolved"},
			"patterns_discovered": {Type: "array", Description: "Named patterns worth remembering"},
		},
		Required: []string{"task_description", "outcome"},
	}, deps.handleUpdateFromTask)

	server.RegisterTool("scan_project", mcp.ToolDef{
		Description: "Delegate a project scan to the configured external scanner.",
		Properties: map[string]mcp.PropDef{
			"force_rescan": {Type: "boolean", Description: "Ignore any incremental-scan cache"},
			"project_root": {Type: "string", Description: "Root directory to scan"},
		},
	}, deps.handleScanProject)

	server.RegisterTool("get_stats", mcp.ToolDef{
		Description: "Return Graph Store size and composition.",
	}, deps.handleGetStats)

	server.RegisterTool("get_cache_stats", mcp.ToolDef{
		Description: "Return Query Cache hit rate and memory usage.",
	}, deps.handleGetCacheStats)

	server.RegisterTool("clear_cache", mcp.ToolDef{
		Description: "Clear the query cache entirely, or only entries under given path prefixes.",
		Properties: map[string]mcp.PropDef{
			"affected_paths": {Type: "array", Description: "Path prefixes to invalidate; omit to clear everything"},
		},
	}, deps.handleClearCache)

	server.RegisterTool("get_hebbian_stats", mcp.ToolDef{
		Description: "Return co-activation learning statistics.",
	}, deps.handleGetHebbianStats)

	server.RegisterTool("get_inhibitory_stats", mcp.ToolDef{
		Description: "Return inhibitory pattern population statistics.",
	}, deps.handleGetInhibitoryStats)
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", errs.ErrInternal)
	}
	return string(data), nil
}

func (d Deps) handleQuery(_ any, args map[string]any) (string, error) {
	req := pipeline.Request{
		QueryText:        cast.ToString(args["query"]),
		Limit:            cast.ToInt(args["limit"]),
		IncludeMetadata:  cast.ToBool(args["include_metadata"]),
		UseActivation:    cast.ToBool(args["use_activation"]),
		BypassCache:      cast.ToBool(args["bypass_cache"]),
		BypassInhibition: cast.ToBool(args["bypass_inhibition"]),
		BypassHebbian:    cast.ToBool(args["bypass_hebbian"]),
	}
	// hop_cap=0 is a legitimate, distinct request (spreading disabled, seeds
	// only); only an absent key should fall back to the pipeline's default.
	if v, ok := args["hop_cap"]; ok {
		hopCap := cast.ToInt(v)
		req.HopCap = &hopCap
	}
	if typeStr := cast.ToString(args["type"]); typeStr != "" {
		kind := graph.NodeKind(typeStr)
		req.TypeFilter = &kind
	}
	if ctxMap := cast.ToStringMap(args["context"]); ctxMap != nil {
		req.Context = activation.QueryContext{
			CurrentTask:  cast.ToString(ctxMap["current_task"]),
			ActiveFiles:  cast.ToStringSlice(ctxMap["active_files"]),
			RecentErrors: cast.ToStringSlice(ctxMap["recent_errors"]),
			Frameworks:   cast.ToStringSlice(ctxMap["frameworks"]),
			Languages:    cast.ToStringSlice(ctxMap["languages"]),
			Timestamp:    time.Now(),
		}
	}

	resp, err := d.Pipeline.Query(context.Background(), req)
	if err != nil {
		return "", err
	}
	return marshalResult(resp)
}

func (d Deps) handleUpdateFromTask(_ any, args map[string]any) (string, error) {
	taskDesc := cast.ToString(args["task_description"])
	outcome := cast.ToString(args["outcome"])
	files := cast.ToStringSlice(args["files_involved"])
	successful := outcome == "success"

	var fileNodeIDs []string
	for _, path := range files {
		n := graph.NewNode(path, graph.KindFile, path)
		n.Metadata.Tasks = []graph.TaskRef{{
			Description: taskDesc,
			Successful:  successful,
			RecordedAt:  time.Now(),
		}}
		d.Graph.AddNode(n)
		fileNodeIDs = append(fileNodeIDs, path)
	}

	for _, patternName := range cast.ToStringSlice(args["patterns_discovered"]) {
		patternID := "pattern:" + patternName
		p := graph.NewNode(patternID, graph.KindPattern, patternName)
		d.Graph.AddNode(p)
		for _, fid := range fileNodeIDs {
			d.Graph.AddEdge(graph.NewEdge("", fid, patternID, graph.EdgeRelatesTo, 0.6, 0.6))
		}
	}

	if outcome == "error" && d.Inhibition != nil {
		errDetails := cast.ToStringMap(args["error_details"])
		d.Inhibition.Record(inhibition.FailureReport{
			TaskDescription: taskDesc,
			Files:           files,
			ErrorType:       cast.ToString(errDetails["error_type"]),
			ErrorMessage:    cast.ToString(errDetails["error_message"]),
			CoActiveNodes:   fileNodeIDs,
		})
	}

	if d.Hebbian != nil && len(fileNodeIDs) > 1 {
		d.Hebbian.Submit(hebbian.Event{
			PrimaryNodeID: fileNodeIDs[0],
			CoNodes:       fileNodeIDs[1:],
			ContextTag:    taskDesc,
			Timestamp:     time.Now(),
		})
	}

	return marshalResult(map[string]bool{"ok": true})
}

func (d Deps) handleScanProject(_ any, args map[string]any) (string, error) {
	if d.Scanner == nil {
		return "", fmt.Errorf("no external scanner configured: %w", errs.ErrInternal)
	}
	return d.Scanner.Scan(args)
}

func (d Deps) handleGetStats(_ any, _ map[string]any) (string, error) {
	stats := d.Graph.Stats()
	nodesByKind := make(map[string]int, len(stats.NodesByKind))
	for k, v := range stats.NodesByKind {
		nodesByKind[string(k)] = v
	}
	return marshalResult(map[string]any{
		"node_count":         stats.NodeCount,
		"edge_count":         stats.EdgeCount,
		"nodes_by_kind":      nodesByKind,
		"average_confidence": stats.AverageConfidence,
	})
}

func (d Deps) handleGetCacheStats(_ any, _ map[string]any) (string, error) {
	st := d.Cache.Stats()
	return marshalResult(map[string]any{
		"hit_rate":           st.HitRate,
		"total_queries":      st.TotalQueries,
		"hits":               st.Hits,
		"misses":             st.Misses,
		"memory_usage_bytes": st.MemoryUsageBytes,
		"entries":            st.Entries,
		"evictions":          st.Evictions,
	})
}

func (d Deps) handleClearCache(_ any, args map[string]any) (string, error) {
	if paths := cast.ToStringSlice(args["affected_paths"]); len(paths) > 0 {
		d.Cache.InvalidatePaths(paths)
	} else {
		d.Cache.Clear()
	}
	return marshalResult(map[string]bool{"ok": true})
}

func (d Deps) handleGetHebbianStats(_ any, _ map[string]any) (string, error) {
	_, edges := d.Graph.Snapshot()
	now := time.Now()

	var total, strong, recent int
	var strengthSum float64
	for _, e := range edges {
		if e.Kind != graph.EdgeCoActivates {
			continue
		}
		total++
		strengthSum += e.Weight
		if e.Weight >= 0.5 {
			strong++
		}
		if now.Sub(e.LastReinforced) < time.Hour {
			recent++
		}
	}
	avg := 0.0
	if total > 0 {
		avg = strengthSum / float64(total)
	}

	return marshalResult(map[string]any{
		"total_connections":  total,
		"average_strength":   avg,
		"strong_connections": strong,
		"recent_activity":    recent,
		"learning_rate":      graph.ReinforcementRate,
		"decay_rate":         hebbian.DefaultDecayRate,
	})
}

func (d Deps) handleGetInhibitoryStats(_ any, _ map[string]any) (string, error) {
	st := d.Inhibition.StatsAt(time.Now())
	return marshalResult(map[string]any{
		"total_patterns":      st.TotalPatterns,
		"average_strength":    st.AverageStrength,
		"strong_patterns":     st.StrongPatterns,
		"weak_patterns":       st.WeakPatterns,
		"recently_reinforced": st.RecentlyReinforced,
	})
}
