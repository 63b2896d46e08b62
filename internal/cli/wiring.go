package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/lazypower/arbor/internal/config"
	"github.com/lazypower/arbor/internal/editor"
	"github.com/lazypower/arbor/internal/embed"
	"github.com/lazypower/arbor/internal/gardener"
	"github.com/lazypower/arbor/internal/llm"
	"github.com/lazypower/arbor/internal/payload"
	"github.com/lazypower/arbor/internal/search"
	"github.com/lazypower/arbor/internal/store"
	"github.com/lazypower/arbor/internal/utility"
)

// app is the wired-up service graph shared by the commands.
type app struct {
	cfg      config.Config
	db       *store.DB
	client   llm.Client
	embedder embed.Embedder
	payloads payload.Store
	scorer   *utility.Scorer
	gardener *gardener.Gardener
	editor   *editor.Engine
	searcher *search.Coordinator
}

// newApp opens the database and wires every component from config plus
// environment overrides. Missing external capabilities degrade the graph
// instead of failing it.
func newApp() (*app, error) {
	cfg := config.Default()

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Provider = "anthropic"
		cfg.LLM.AnthropicKey = key
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		cfg.LLM.OllamaURL = url
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, db: db}

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: LLM not configured (%v), using heuristics\n", err)
	} else {
		a.client = client
		fmt.Fprintf(os.Stderr, "  llm: %s\n", cfg.LLM.Provider)
	}

	a.embedder = detectEmbedder(cfg, db)

	payloadDir := cfg.Gardener.PayloadDir
	if payloadDir == "" {
		payloadDir, err = payload.DefaultPayloadDir()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("resolve payload dir: %w", err)
		}
	}
	payloads, err := payload.NewFSStore(payloadDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.payloads = payloads

	a.scorer = utility.NewScorer(db, a.client, a.embedder,
		cfg.Gardener.Alpha, cfg.Gardener.Beta, cfg.Gardener.Gamma,
		cfg.Gardener.HalfLifeHours,
		time.Duration(cfg.Gardener.SalienceTTLMins)*time.Minute)

	policy := gardener.Policy{
		High: cfg.Gardener.ThresholdHigh,
		Med:  cfg.Gardener.ThresholdMed,
		Low:  cfg.Gardener.ThresholdLow,
	}
	a.gardener = gardener.New(db, a.scorer, a.client, a.payloads, a.embedder,
		policy, time.Duration(cfg.Gardener.IntervalMins)*time.Minute, cfg.Gardener.CallBudget)

	a.editor = editor.New(db, a.client, a.payloads, a.embedder, nil, cfg.Gardener.CallBudget)
	a.searcher = search.New(db, a.embedder, cfg.Search.TopK, cfg.Search.WindowK)

	return a, nil
}

func (a *app) Close() {
	a.db.Close()
}

// detectEmbedder prefers a running Ollama; otherwise a TF-IDF model fitted
// over the current summaries.
func detectEmbedder(cfg config.Config, db *store.DB) embed.Embedder {
	ollamaURL := cfg.LLM.OllamaURL
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	model := cfg.LLM.EmbeddingModel
	if model == "" {
		model = "nomic-embed-text"
	}

	var inner embed.Embedder
	if embed.ProbeOllama(ollamaURL, model) {
		inner = embed.NewOllamaEmbedder(ollamaURL, model, 768)
		fmt.Fprintf(os.Stderr, "  embedder: ollama (%s)\n", model)
	} else {
		tfidf, err := embed.NewTFIDFEmbedder(db, 512)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: tfidf embedder init failed: %v\n", err)
			return nil
		}
		inner = tfidf
		fmt.Fprintf(os.Stderr, "  embedder: tfidf (fallback)\n")
	}

	cached, err := embed.NewCached(inner, 1024)
	if err != nil {
		return inner
	}
	return cached
}
