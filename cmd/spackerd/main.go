package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sane-lab/spacker/pkg/config"
	"github.com/sane-lab/spacker/pkg/inputproc"
	"github.com/sane-lab/spacker/pkg/metrics"
	"github.com/sane-lab/spacker/pkg/plan"
	"github.com/sane-lab/spacker/pkg/planstore"
	"github.com/sane-lab/spacker/pkg/spklog"
	"github.com/sane-lab/spacker/pkg/task"
	"github.com/sane-lab/spacker/pkg/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "spackerd",
	Short:   "Spacker - non-disruptive key-group state migration",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("spackerd %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (defaults to built-in defaults)")
	rootCmd.PersistentFlags().String("db", "./spacker-plans.db", "Path to the plan store")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(triggerReconfigCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	spklog.Init(spklog.Config{Level: spklog.Level(level), JSONOutput: jsonOutput})
}

func loadConfig(cmd *cobra.Command) (*config.Options, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(cmd *cobra.Command) (*planstore.Store, error) {
	path, _ := cmd.Flags().GetString("db")
	return planstore.Open(path)
}

// loggingOperator is the record sink spackerd runs standalone: the real
// per-operator business logic lives in the embedding stream-processing
// engine and is out of scope here (spec.md section 1's Non-goals), so
// this just logs what the InputProcessor would otherwise dispatch.
type loggingOperator struct {
	log func(kg int32)
}

func (o loggingOperator) Process(_ context.Context, r inputproc.Record) error {
	if o.log != nil {
		o.log(r.KG)
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one task's MigrationService endpoint, reporting reconfigs to a remote coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		listenAddr, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		operatorID, _ := cmd.Flags().GetString("operator-id")
		coordinatorAddr, _ := cmd.Flags().GetString("coordinator-addr")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open plan store: %w", err)
		}
		defer store.Close()

		log := spklog.WithComponent("spackerd")

		conn, err := grpc.Dial(coordinatorAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial coordinator at %s: %w", coordinatorAddr, err)
		}
		defer conn.Close()
		coordinatorClient := transport.NewGRPCClient(conn)

		lis, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", listenAddr, err)
		}

		grpcServer := grpc.NewServer()

		fmt.Printf("spackerd listening on %s (operator %s)\n", listenAddr, operatorID)
		fmt.Printf("coordinator: %s\n", coordinatorAddr)
		fmt.Printf("plan store: %s\n", storePath(cmd))

		t := task.New(cfg, operatorID, coordinatorClient, loggingOperator{
			log: func(kg int32) { log.Debug().Int32("kg", kg).Msg("record dispatched") },
		})
		transport.RegisterMigrationServiceServer(grpcServer, t)

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)

		errCh := make(chan error, 1)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nshutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "grpc server error: %v\n", err)
		}
		grpcServer.GracefulStop()
		return nil
	},
}

func storePath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("db")
	return path
}

func init() {
	serveCmd.Flags().String("listen", "127.0.0.1:7070", "Address for the gRPC MigrationService")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus /metrics endpoint")
	serveCmd.Flags().String("operator-id", "operator-0", "Operator ID this endpoint serves")
	serveCmd.Flags().String("coordinator-addr", "", "Address of the job manager's ReconfigCoordinator endpoint (required)")
	serveCmd.MarkFlagRequired("coordinator-addr")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the committed reconfigId watermark and the most recent plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open plan store: %w", err)
		}
		defer store.Close()

		wm, err := store.Watermark()
		if err != nil {
			return fmt.Errorf("read watermark: %w", err)
		}
		fmt.Printf("committed reconfigId watermark: %d\n", wm)

		if wm == 0 {
			fmt.Println("no reconfig has committed yet")
			return nil
		}

		p, err := store.GetPlan(wm)
		if err != nil {
			return fmt.Errorf("read plan %d: %w", wm, err)
		}
		printPlan(p)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect persisted JobExecutionPlans",
}

var planShowCmd = &cobra.Command{
	Use:   "show RECONFIG_ID",
	Short: "Show one persisted plan by reconfigId",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var reconfigID uint64
		if _, err := fmt.Sscanf(args[0], "%d", &reconfigID); err != nil {
			return fmt.Errorf("invalid reconfigId %q: %w", args[0], err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open plan store: %w", err)
		}
		defer store.Close()

		p, err := store.GetPlan(reconfigID)
		if err != nil {
			return fmt.Errorf("read plan %d: %w", reconfigID, err)
		}
		printPlan(p)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every persisted plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open plan store: %w", err)
		}
		defer store.Close()

		plans, err := store.ListPlans()
		if err != nil {
			return fmt.Errorf("list plans: %w", err)
		}
		if len(plans) == 0 {
			fmt.Println("no plans committed yet")
			return nil
		}
		fmt.Printf("%-12s %-10s %-20s\n", "RECONFIGID", "SUBTASKS", "COMMITTED AT")
		for _, p := range plans {
			fmt.Printf("%-12d %-10d %-20s\n", p.ReconfigID, p.NumOpenedSubtasks, p.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planListCmd)
}

func printPlan(p *plan.Plan) {
	fmt.Printf("reconfigId: %d\n", p.ReconfigID)
	fmt.Printf("committed at: %s\n", p.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("subtasks: %d\n", p.NumOpenedSubtasks)
	fmt.Println("partition assignment:")
	for idx := 0; idx < p.NumOpenedSubtasks; idx++ {
		id := p.SubtaskIndexMapping[idx]
		if id == plan.UnusedSlot {
			continue
		}
		fmt.Printf("  [%d] %s: kgs=%v\n", idx, id, p.PartitionAssignment[idx])
	}
	if len(p.SrcKgWithDstAddr) > 0 {
		fmt.Println("migrating key-groups:")
		for kg, destIdx := range p.SrcKgWithDstAddr {
			fmt.Printf("  kg %d -> subtask %d (%s)\n", kg, destIdx, p.SubtaskIndexMapping[destIdx])
		}
	}
}

// readLayout parses a JSON-encoded plan.Layout: {"num_opened_subtasks":N,
// "key_groups":{"0":[...]},"id_in_model":{"0":"t0"}}.
func readLayout(path string) (*plan.Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw struct {
		NumOpenedSubtasks int                `json:"num_opened_subtasks"`
		KeyGroups         map[string][]int32 `json:"key_groups"`
		IDInModel         map[string]string  `json:"id_in_model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	l := &plan.Layout{
		NumOpenedSubtasks: raw.NumOpenedSubtasks,
		KeyGroups:         map[int][]int32{},
		IDInModel:         map[int]string{},
	}
	for k, v := range raw.KeyGroups {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
			return nil, fmt.Errorf("invalid subtask index %q: %w", k, err)
		}
		l.KeyGroups[idx] = v
	}
	for k, v := range raw.IDInModel {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
			return nil, fmt.Errorf("invalid subtask index %q: %w", k, err)
		}
		l.IDInModel[idx] = v
	}
	return l, nil
}

// triggerReconfigCmd builds a JobExecutionPlan from two layout files the
// way a job manager's rescale decision would, and persists it directly --
// spackerd's trigger-reconfig is an offline planning tool, not a call
// into a running ReconfigCoordinator: the RPCs pkg/transport exposes
// carry per-task migration traffic (spec.md section 6), while deciding
// when to rescale and injecting the reconfig-point barrier is the
// embedding engine's job manager's responsibility.
var triggerReconfigCmd = &cobra.Command{
	Use:   "trigger-reconfig OLD_LAYOUT.json NEW_LAYOUT.json",
	Short: "Build a JobExecutionPlan from two layout files and persist it as the next reconfig",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		old, err := readLayout(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		next, err := readLayout(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}

		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("open plan store: %w", err)
		}
		defer store.Close()

		wm, err := store.Watermark()
		if err != nil {
			return fmt.Errorf("read watermark: %w", err)
		}

		p, err := plan.Build(old, next, wm+1)
		if err != nil {
			return fmt.Errorf("build plan: %w", err)
		}
		if err := store.SavePlan(p); err != nil {
			return fmt.Errorf("save plan: %w", err)
		}

		fmt.Printf("built and persisted reconfigId %d\n", p.ReconfigID)
		printPlan(p)
		return nil
	},
}
