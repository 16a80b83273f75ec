package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/lazypower/recall/internal/client"
	"github.com/lazypower/recall/internal/concept"
	"github.com/lazypower/recall/internal/engine"
	"github.com/spf13/cobra"
)

const cliTimeout = 10 * time.Second

// --- observe command ---

var (
	observeServer    string
	observeAttention float64
	observeAudio     float64
	observeIntent    float64
	observeSalience  map[string]string
	observeAt        string
)

var observeCmd = &cobra.Command{
	Use:   "observe [concept...]",
	Short: "Send an observation to the running server",
	Long: "Report that the given concepts were just encountered together. Confidence flags left unset are treated as unknown.\n\n" +
		"  recall observe mitochondria \"cell biology\" --attention 0.9 --salience mitochondria=0.8",
	Args: cobra.MinimumNArgs(1),
	RunE: runObserve,
}

func runObserve(cmd *cobra.Command, args []string) error {
	ev := concept.Observation{Concepts: args}

	flags := cmd.Flags()
	if flags.Changed("attention") {
		ev.Confidences.Attention = concept.Ptr(observeAttention)
	}
	if flags.Changed("audio") {
		ev.Confidences.Audio = concept.Ptr(observeAudio)
	}
	if flags.Changed("intent") {
		ev.Confidences.Intent = concept.Ptr(observeIntent)
	}
	if len(observeSalience) > 0 {
		ev.Salience = make(map[string]float64, len(observeSalience))
		for name, raw := range observeSalience {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("salience for %q: %w", name, err)
			}
			ev.Salience[name] = v
		}
	}
	if observeAt != "" {
		ts, err := time.Parse(time.RFC3339, observeAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		ev.Timestamp = ts
	}

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	if err := client.New(observeServer).Observe(ctx, ev); err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	fmt.Printf("observed %d concepts\n", len(args))
	return nil
}

// --- dispatch command ---

var dispatchServer string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Ask the running server to run one reminder cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
		defer cancel()
		sent, err := client.New(dispatchServer).Dispatch(ctx)
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if len(sent) == 0 {
			fmt.Println("Nothing due.")
			return nil
		}
		for _, n := range sent {
			fmt.Printf("  %-40s %.3f\n", n.ConceptName, n.MemoryScore)
		}
		return nil
	},
}

// --- concepts command ---

var conceptsState string

var conceptsCmd = &cobra.Command{
	Use:   "concepts",
	Short: "List tracked concepts with their memory scores",
	RunE:  runConcepts,
}

func runConcepts(cmd *cobra.Command, args []string) error {
	g, err := loadGraph()
	if err != nil {
		return err
	}
	now := time.Now()
	g.Refresh(now)

	sched := g.Scheduler()
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCORE\tLAMBDA\tSTATE\tNEXT REVIEW\tSEEN")
	shown := 0
	for _, n := range g.AllNodes() {
		state := sched.State(n, now)
		if conceptsState != "" && string(state) != conceptsState {
			continue
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%s\t%s\t%d\n",
			n.Name, n.MemoryScore, n.DecayRate, state,
			n.NextReview.Local().Format(time.DateTime), n.ObservedUsage)
		shown++
	}
	if shown == 0 {
		fmt.Println("No concepts tracked yet.")
		return nil
	}
	return tw.Flush()
}

// --- due command ---

var dueCmd = &cobra.Command{
	Use:   "due",
	Short: "Preview which concepts the next reminder cycle would send",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadGraph()
		if err != nil {
			return err
		}
		due := engine.NewDispatcher(g, nil, 0).Select(time.Now())
		if len(due) == 0 {
			fmt.Println("Nothing due.")
			return nil
		}
		for i, n := range due {
			fmt.Printf("%d. [%.3f] %s\n", i+1, n.MemoryScore, n.Name)
		}
		return nil
	},
}

// --- prune command ---

var pruneDays float64

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove concepts not observed for a long time",
	Long:  "Remove stale concepts and their edges from the database. Stop the server first; it would overwrite the result on its next save.",
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, _, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	snap, err := db.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	days := cfg.Engine.StaleNodeDays
	if cmd.Flags().Changed("days") {
		days = pruneDays
	}
	g := engine.NewConceptStoreFromSnapshot(cfg.Engine, snap)
	nodes, edges := g.PruneStale(time.Now(), days)
	if nodes == 0 {
		fmt.Println("Nothing to prune.")
		return nil
	}
	if err := db.SaveSnapshot(ctx, g.Snapshot()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	fmt.Printf("Pruned %d concepts and %d edges.\n", nodes, edges)
	return nil
}

// --- export command ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the concept graph snapshot as JSON to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadGraph()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(g.Snapshot())
	},
}

func init() {
	observeCmd.Flags().StringVar(&observeServer, "server", "", "server URL (default $RECALL_URL or http://127.0.0.1:37778)")
	observeCmd.Flags().Float64Var(&observeAttention, "attention", 0, "attention confidence in [0,1]")
	observeCmd.Flags().Float64Var(&observeAudio, "audio", 0, "audio confidence in [0,1]")
	observeCmd.Flags().Float64Var(&observeIntent, "intent", 0, "intent confidence in [0,1]")
	observeCmd.Flags().StringToStringVar(&observeSalience, "salience", nil, "per-concept salience, e.g. name=0.8")
	observeCmd.Flags().StringVar(&observeAt, "at", "", "observation time, RFC3339 (default now)")

	dispatchCmd.Flags().StringVar(&dispatchServer, "server", "", "server URL (default $RECALL_URL or http://127.0.0.1:37778)")

	conceptsCmd.Flags().StringVar(&conceptsState, "state", "", "only show concepts in this state (fresh, tracked, due, reminded, stale)")

	pruneCmd.Flags().Float64Var(&pruneDays, "days", 0, "stale threshold in days (default from config)")
}

// loadGraph reads the persisted graph into memory for read-only commands.
func loadGraph() (*engine.ConceptStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, _, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()
	snap, err := db.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return engine.NewConceptStoreFromSnapshot(cfg.Engine, snap), nil
}
