package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/forgekit/mosaic/pkg/blobstore"
	"github.com/forgekit/mosaic/pkg/blueprint"
	"github.com/forgekit/mosaic/pkg/forgeerr"
	"github.com/forgekit/mosaic/pkg/provider"
	"github.com/forgekit/mosaic/pkg/runner"
	"github.com/forgekit/mosaic/pkg/storagectx"
	"github.com/forgekit/mosaic/pkg/workspace"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 0
	}

	switch args[1] {
	case "plan":
		return runPlanCmd(args[2:], stdout, stderr)
	case "execute":
		return runExecuteCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "explain":
		return runExplainCmd(args[2:], stdout, stderr)
	case "clean":
		return runCleanCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorGray  = "\033[37m"
	ColorCyan  = "\033[36m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sforge%s %s- the declarative media build engine%s\n", ColorBold+ColorBlue, ColorReset, ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  forge <command> [flags]")
	fmt.Fprintln(w, "")
	printSection(w, "COMMANDS")
	printCommand(w, "plan", "Expand a blueprint and compute the next revision's layers (--blueprint, --movie)")
	printCommand(w, "execute", "Run a plan, invoking producers layer by layer (--blueprint, --movie)")
	printCommand(w, "list", "List movies known to this workspace and their current revision")
	printCommand(w, "explain", "Show why the next plan would or wouldn't be a no-op (--movie)")
	printCommand(w, "clean", "Remove a movie's revisions/runs/events (--movie, --all, --dry-run)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// workspaceFlags are the settings shared by every subcommand that opens a
// Workspace: where it lives on disk and which blob backend backs it.
type workspaceFlags struct {
	root          string
	basePath      string
	s3Bucket      string
	s3Region      string
	gcsBucket     string
	manifestIndex string
}

func bindWorkspaceFlags(cmd *flag.FlagSet, f *workspaceFlags) {
	cmd.StringVar(&f.root, "root", ".", "Workspace root directory")
	cmd.StringVar(&f.basePath, "movies-dir", "movies", "Base path under root where movie state lives")
	cmd.StringVar(&f.s3Bucket, "s3-bucket", "", "Store blobs in this S3 bucket instead of local disk")
	cmd.StringVar(&f.s3Region, "s3-region", "us-east-1", "AWS region for --s3-bucket")
	cmd.StringVar(&f.gcsBucket, "gcs-bucket", "", "Store blobs in this GCS bucket instead of local disk")
	cmd.StringVar(&f.manifestIndex, "manifest-index", "", "Path to an optional sqlite manifest index (omit to skip it)")
}

// buildBlobs constructs the blob backend requested by f, or nil to let
// workspace.New fall back to its default local FileStore.
func buildBlobs(ctx context.Context, f workspaceFlags) (blobstore.Store, error) {
	switch {
	case f.s3Bucket != "":
		return blobstore.NewS3Store(ctx, blobstore.S3StoreConfig{Bucket: f.s3Bucket, Region: f.s3Region})
	case f.gcsBucket != "":
		return blobstore.NewGCSStore(ctx, blobstore.GCSStoreConfig{Bucket: f.gcsBucket})
	default:
		return nil, nil
	}
}

func openWorkspace(ctx context.Context, f workspaceFlags, catalogRoot string) (*workspace.Workspace, error) {
	blobs, err := buildBlobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("forge: build blob store: %w", err)
	}
	cfg := workspace.Config{
		Root:              f.root,
		BasePath:          f.basePath,
		Catalog:           blueprint.Catalog{Root: catalogRoot},
		Blobs:             blobs,
		ManifestIndexPath: f.manifestIndex,
	}
	return workspace.New(storagectx.NewLocal(), cfg, provider.NewRegistry())
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// runPlanCmd implements `forge plan`.
//
// Exit codes:
//
//	0 = plan computed
//	2 = usage or runtime error
func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("plan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var f workspaceFlags
	bindWorkspaceFlags(cmd, &f)
	var movieID, blueprintPath string
	var explain bool
	cmd.StringVar(&movieID, "movie", "", "Movie ID (REQUIRED)")
	cmd.StringVar(&blueprintPath, "blueprint", "", "Path to the root blueprint YAML (REQUIRED)")
	cmd.BoolVar(&explain, "explain", false, "Collect a human-readable plan explanation")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if movieID == "" || blueprintPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --movie and --blueprint are required")
		return 2
	}

	ctx := context.Background()
	ws, err := openWorkspace(ctx, f, f.root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = ws.Close() }()

	result, err := ws.Plan(ctx, workspace.PlanOptions{
		MovieID:            movieID,
		BlueprintPath:      blueprintPath,
		CollectExplanation: explain,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	printJSON(stdout, map[string]any{
		"movie_id":    movieID,
		"revision":    result.Plan.Revision.String(),
		"layer_count": len(result.Plan.Layers),
		"recovered":   result.Recovery.RecoveredArtifactIDs,
	})
	return 0
}

// runExecuteCmd implements `forge execute`.
func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("execute", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var f workspaceFlags
	bindWorkspaceFlags(cmd, &f)
	var movieID, blueprintPath, providerName, model, environment string
	var concurrency int
	cmd.StringVar(&movieID, "movie", "", "Movie ID (REQUIRED)")
	cmd.StringVar(&blueprintPath, "blueprint", "", "Path to the root blueprint YAML (REQUIRED)")
	cmd.StringVar(&providerName, "provider", "", "Default provider for every producer")
	cmd.StringVar(&model, "model", "", "Default model for every producer")
	cmd.StringVar(&environment, "environment", "simulated", "Provider environment (e.g. simulated, production)")
	cmd.IntVar(&concurrency, "concurrency", 0, "Max jobs in flight per layer (0 = workspace default)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if movieID == "" || blueprintPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --movie and --blueprint are required")
		return 2
	}

	ctx := context.Background()
	ws, err := openWorkspace(ctx, f, f.root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = ws.Close() }()

	planResult, err := ws.Plan(ctx, workspace.PlanOptions{MovieID: movieID, BlueprintPath: blueprintPath})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var selections map[string]runner.ProviderSelection
	if providerName != "" {
		selections = map[string]runner.ProviderSelection{"*": {Provider: providerName, Model: model}}
	}

	runResult, err := ws.Execute(ctx, planResult.Plan, workspace.ExecuteOptions{
		MovieID:         movieID,
		BlueprintPath:   blueprintPath,
		ProviderOptions: selections,
		Concurrency:     concurrency,
		Environment:     environment,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	artifactIDs := make([]string, 0, len(runResult.Manifest.Artefacts))
	for id := range runResult.Manifest.Artefacts {
		artifactIDs = append(artifactIDs, id)
	}

	printJSON(stdout, map[string]any{
		"movie_id":     movieID,
		"revision":     runResult.Revision.String(),
		"jobs_run":     len(runResult.Jobs),
		"artifact_ids": artifactIDs,
	})
	return 0
}

// runListCmd implements `forge list`.
func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var f workspaceFlags
	bindWorkspaceFlags(cmd, &f)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	ws, err := openWorkspace(ctx, f, f.root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = ws.Close() }()

	builds, err := ws.ListBuilds(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	for _, b := range builds {
		rev := "none"
		if b.HasManifest {
			rev = b.Revision.String()
		}
		_, _ = fmt.Fprintf(stdout, "%s%-24s%s %s\n", ColorGreen, b.MovieID, ColorReset, rev)
	}
	return 0
}

// runExplainCmd implements `forge explain`.
func runExplainCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("explain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var f workspaceFlags
	bindWorkspaceFlags(cmd, &f)
	var movieID string
	cmd.StringVar(&movieID, "movie", "", "Movie ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if movieID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --movie is required")
		return 2
	}

	ctx := context.Background()
	ws, err := openWorkspace(ctx, f, f.root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = ws.Close() }()

	result, err := ws.Explain(ctx, movieID)
	if err != nil {
		if code, ok := forgeerr.CodeOf(err); ok {
			_, _ = fmt.Fprintf(stderr, "Error [%s]: %v\n", code, err)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	printJSON(stdout, map[string]any{
		"movie_id":  movieID,
		"revision":  result.Plan.Revision.String(),
		"recovered": result.Recovery.RecoveredArtifactIDs,
	})
	return 0
}

// runCleanCmd implements `forge clean`.
func runCleanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("clean", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var f workspaceFlags
	bindWorkspaceFlags(cmd, &f)
	var movieID string
	var all, dryRun, removeBlobs bool
	cmd.StringVar(&movieID, "movie", "", "Movie ID (required unless --all)")
	cmd.BoolVar(&all, "all", false, "Clean every movie in the workspace")
	cmd.BoolVar(&dryRun, "dry-run", false, "List what would be removed without removing it")
	cmd.BoolVar(&removeBlobs, "remove-blobs", false, "Also remove the movie's blob store")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	ws, err := openWorkspace(ctx, f, f.root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = ws.Close() }()

	removed, err := ws.Clean(ctx, movieID, workspace.CleanOptions{All: all, DryRun: dryRun, RemoveBlobs: removeBlobs})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	for _, path := range removed {
		_, _ = fmt.Fprintln(stdout, path)
	}
	return 0
}
