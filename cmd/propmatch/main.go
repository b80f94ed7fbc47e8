package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/propmatch/pkg/annindex"
	"github.com/liliang-cn/propmatch/pkg/featurestore"
	"github.com/liliang-cn/propmatch/pkg/logging"
	"github.com/liliang-cn/propmatch/pkg/model"
	"github.com/liliang-cn/propmatch/pkg/pipeline"
	"github.com/liliang-cn/propmatch/pkg/repository"
	"github.com/liliang-cn/propmatch/pkg/retrieval"
	"github.com/liliang-cn/propmatch/pkg/scorer"
	"github.com/liliang-cn/propmatch/pkg/selection"
	"github.com/liliang-cn/propmatch/pkg/service"
	"github.com/liliang-cn/propmatch/pkg/weights"
)

var (
	dataPath string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "propmatch",
	Short: "CLI tool for the property recommendation engine",
	Long:  `A command-line interface for scoring, retrieving, and ranking property recommendations.`,
}

// dataset is the on-disk seed format: a flat JSON file of properties and
// contacts, loaded fresh on every invocation (the engine keeps no on-disk
// state of its own, per spec.md's in-memory-only feature store).
type dataset struct {
	Properties []model.Property `json:"properties"`
	Contacts   []model.Contact   `json:"contacts"`
}

func loadDataset() (dataset, error) {
	var ds dataset
	if dataPath == "" {
		return ds, fmt.Errorf("data file not specified (use --data)")
	}
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		return ds, fmt.Errorf("failed to read data file: %w", err)
	}
	if err := json.Unmarshal(raw, &ds); err != nil {
		return ds, fmt.Errorf("failed to parse data file: %w", err)
	}
	return ds, nil
}

// buildEngine loads the dataset, trains the embedding pipeline, populates
// the repository and feature store, builds an HNSW index over property
// embeddings, and wires it all into a Service.
func buildEngine(ctx context.Context) (*service.Service, repository.PropertyRepository, error) {
	ds, err := loadDataset()
	if err != nil {
		return nil, nil, err
	}

	repo := repository.NewInMemory()
	for _, p := range ds.Properties {
		repo.PutProperty(p)
	}
	for _, c := range ds.Contacts {
		repo.PutContact(c)
	}

	pl := pipeline.New(pipeline.DefaultConfig())
	if err := pl.Train(ds.Properties, ds.Contacts); err != nil {
		return nil, nil, fmt.Errorf("failed to train embedding pipeline: %w", err)
	}

	store := featurestore.New(featurestore.DefaultConfig())
	index := annindex.NewHNSW(16, 200, annindex.CosineDistance, 0)

	embeddings := make(map[model.ID][]float32, len(ds.Properties))
	for _, p := range ds.Properties {
		pf, err := pl.EncodeProperty(p)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode property %d: %w", p.ID, err)
		}
		store.StoreProperty(pf)
		embeddings[p.ID] = pf.Embedding
	}
	buildStats, err := index.Build(embeddings)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build ANN index: %w", err)
	}
	for _, c := range ds.Contacts {
		cf, err := pl.EncodeContact(c)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode contact %d: %w", c.ID, err)
		}
		store.StoreContact(cf)
	}

	adjuster := weights.NewAdjuster(weights.DefaultWeights())
	engine := retrieval.NewEngine(retrieval.DefaultConfig(), store, index, adjuster, ds.Properties)

	log := logging.NewStd(logging.LevelInfo)
	if !verbose {
		log = logging.Nop()
	}
	log.Info("built ANN index", "vectors", buildStats.VectorCount, "dimension", buildStats.Dimension, "build_ms", float64(buildStats.BuildTime.Microseconds())/1000, "estimated_memory_bytes", buildStats.EstimatedMemory)

	svc, err := service.New(service.DefaultConfig(), repo, repo, engine, store, pl, adjuster, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, repo, nil
}

var recommendCmd = &cobra.Command{
	Use:   "recommend <contact-id>",
	Short: "Rank all active properties for a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid contact id: %w", err)
		}
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		topK, _ := cmd.Flags().GetInt("top-k")
		limit, _ := cmd.Flags().GetInt("limit")
		outputJSON, _ := cmd.Flags().GetBool("json")

		ctx := context.Background()
		svc, _, err := buildEngine(ctx)
		if err != nil {
			return err
		}

		policy := selection.Policy{MinScore: minScore, TopK: topK, Limit: limit}
		resp, err := svc.GetRecommendationsForContact(ctx, contactID, service.Filters{}, policy, false)
		if err != nil {
			return fmt.Errorf("recommendation failed: %w", err)
		}

		printRecommendations(resp.Recommendations, outputJSON)
		return nil
	},
}

var advancedCmd = &cobra.Command{
	Use:   "advanced <contact-id>",
	Short: "Rank properties for a contact via two-stage retrieval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid contact id: %w", err)
		}
		modeStr, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")
		outputJSON, _ := cmd.Flags().GetBool("json")

		mode, err := parseMode(modeStr)
		if err != nil {
			return err
		}

		ctx := context.Background()
		svc, _, err := buildEngine(ctx)
		if err != nil {
			return err
		}

		resp, err := svc.GetAdvancedRecommendations(ctx, contactID, mode, service.Filters{}, selection.Policy{Limit: limit})
		if err != nil {
			return fmt.Errorf("advanced recommendation failed: %w", err)
		}

		if outputJSON {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Printf("mode=%s target=%.2fms total=%.2fms achieved=%v fallback=%v\n",
				modeStr, resp.Metadata.TargetMS, resp.Metadata.TotalTimeMS, resp.Metadata.TargetAchieved, resp.Metadata.UsedFallback)
			printRecommendations(resp.Recommendations, false)
		}
		return nil
	},
}

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Rank contacts against each property",
	RunE: func(cmd *cobra.Command, args []string) error {
		perPropertyLimit, _ := cmd.Flags().GetInt("per-property-limit")
		outputJSON, _ := cmd.Flags().GetBool("json")

		ctx := context.Background()
		svc, _, err := buildEngine(ctx)
		if err != nil {
			return err
		}

		ds, err := loadDataset()
		if err != nil {
			return err
		}

		resp, err := svc.GetBulkRecommendations(ctx, nil, ds.Contacts, perPropertyLimit, selection.Policy{})
		if err != nil {
			return fmt.Errorf("bulk recommendation failed: %w", err)
		}

		if outputJSON {
			data, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, entry := range resp.Entries {
			fmt.Printf("property %d:\n", entry.PropertyID)
			printRecommendations(entry.Contacts, false)
		}
		return nil
	},
}

var scoreCmd = &cobra.Command{
	Use:   "score <property-id> <contact-id>",
	Short: "Compute the classic sub-scores between one property and one contact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		propertyID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid property id: %w", err)
		}
		contactID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid contact id: %w", err)
		}

		ds, err := loadDataset()
		if err != nil {
			return err
		}

		var prop model.Property
		var foundProp bool
		for _, p := range ds.Properties {
			if p.ID == propertyID {
				prop, foundProp = p, true
				break
			}
		}
		if !foundProp {
			return fmt.Errorf("property %d not found", propertyID)
		}

		var contact model.Contact
		var foundContact bool
		for _, c := range ds.Contacts {
			if c.ID == contactID {
				contact, foundContact = c, true
				break
			}
		}
		if !foundContact {
			return fmt.Errorf("contact %d not found", contactID)
		}

		result := scorer.Score(prop, contact, weights.DefaultWeights())
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

func parseMode(s string) (service.PerformanceMode, error) {
	switch strings.ToLower(s) {
	case "fast":
		return service.ModeFast, nil
	case "balanced", "":
		return service.ModeBalanced, nil
	case "accurate":
		return service.ModeAccurate, nil
	default:
		return 0, fmt.Errorf("unknown performance mode: %s", s)
	}
}

func printRecommendations(recs []model.Recommendation, asJSON bool) {
	if asJSON {
		data, _ := json.MarshalIndent(recs, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Printf("Found %d recommendations:\n", len(recs))
	for i, r := range recs {
		fmt.Printf("%d. property %d (score: %.4f, source: %s)\n", i+1, r.Property.ID, r.Score, r.Source)
		if verbose {
			fmt.Printf("   reasons: %s\n", strings.Join(r.Explain.Reasons, "; "))
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataPath, "data", "d", "", "Seed data file path (JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	recommendCmd.Flags().Float64("min-score", 0, "Minimum score threshold")
	recommendCmd.Flags().Int("top-k", 0, "Keep only the top K results")
	recommendCmd.Flags().Int("limit", 0, "Hard cap on returned results")
	recommendCmd.Flags().Bool("json", false, "Output as JSON")

	advancedCmd.Flags().String("mode", "balanced", "Performance mode: fast|balanced|accurate")
	advancedCmd.Flags().Int("limit", 0, "Hard cap on returned results")
	advancedCmd.Flags().Bool("json", false, "Output as JSON")

	bulkCmd.Flags().Int("per-property-limit", 10, "Max contacts returned per property")
	bulkCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(recommendCmd, advancedCmd, bulkCmd, scoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
