package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/athapong/docugraph/pkg/graph/extractor"
	"github.com/athapong/docugraph/pkg/graph/pipeline"
	"github.com/athapong/docugraph/pkg/graph/processors"
	"github.com/athapong/docugraph/pkg/graph/query"
	"github.com/athapong/docugraph/pkg/graph/recognizer"
	"github.com/athapong/docugraph/pkg/graph/storage"
	"github.com/athapong/docugraph/pkg/graph/validation"
	"github.com/athapong/docugraph/services"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	inputFile := flag.String("input", "", "Path to the document to process")
	contentType := flag.String("type", "", "Content type (inferred from the file extension when empty)")
	documentID := flag.String("doc", "", "Document ID (generated when empty)")
	question := flag.String("question", "", "Question to answer against the built graph")
	useMemory := flag.Bool("memory", false, "Use the in-memory store instead of Neo4j")
	envFile := flag.String("env", ".env", "Path to the environment file")
	waitTimeout := flag.Duration("timeout", 5*time.Minute, "Maximum time to wait for each stage")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (disabled when empty)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := godotenv.Load(*envFile); err != nil {
		logger.WithField("file", *envFile).Debug("No environment file loaded")
	}

	if *inputFile == "" {
		logger.Fatal("An input document is required (-input)")
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.WithError(err).Error("Metrics listener stopped")
			}
		}()
	}

	ctx := context.Background()
	store := buildStore(*useMemory, logger)
	if err := store.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect to the graph store")
	}
	defer store.Close()

	validator := validation.NewEngine(validation.NewDefaultRegistry())
	p := pipeline.New(store, recognizer.New(), extractor.New(), validator, pipeline.Config{})
	p.RegisterParser(processors.NewPDFProcessor())
	p.RegisterParser(processors.NewHTMLProcessor())
	p.RegisterParser(processors.NewTextProcessor())

	content, err := os.ReadFile(*inputFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read the input document")
	}

	resolvedType := *contentType
	if resolvedType == "" {
		resolvedType = strings.TrimPrefix(filepath.Ext(*inputFile), ".")
	}

	doc, err := p.Upload(*documentID, map[string]interface{}{"source": *inputFile})
	if err != nil {
		logger.WithError(err).Fatal("Failed to register the document")
	}
	logger.WithField("document_id", doc.ID).Info("Processing document")

	if err := p.ProcessDocument(doc.ID, content, resolvedType); err != nil {
		logger.WithError(err).Fatal("Failed to start document parsing")
	}
	if err := waitForStage(p, doc.ID, graph.StageMarkdownGenerated, *waitTimeout); err != nil {
		logger.WithError(err).Fatal("Document parsing did not complete")
	}

	if err := p.BuildGraph(doc.ID); err != nil {
		logger.WithError(err).Fatal("Failed to start graph building")
	}
	if err := waitForStage(p, doc.ID, graph.StageGraphRAGReady, *waitTimeout); err != nil {
		logger.WithError(err).Fatal("Graph building did not complete")
	}

	graphMetrics, err := storage.Metrics(ctx, store, doc.ID)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read graph metrics")
	}
	printJSON(graphMetrics)

	if *question != "" {
		answer, err := answerQuestion(ctx, store, doc.ID, *question)
		if err != nil {
			logger.WithError(err).Fatal("Failed to answer the question")
		}
		printJSON(answer)
	}
}

func buildStore(useMemory bool, logger *logrus.Logger) graph.GraphStore {
	if useMemory {
		logger.Info("Using the in-memory graph store")
		return storage.NewMemoryStore()
	}
	return storage.NewNeo4jStore(storage.Neo4jConfig{
		URI:      envOrDefault("NEO4J_URI", "bolt://localhost:7687"),
		Username: envOrDefault("NEO4J_USERNAME", "neo4j"),
		Password: os.Getenv("NEO4J_PASSWORD"),
		Database: os.Getenv("NEO4J_DATABASE"),
	})
}

func answerQuestion(ctx context.Context, store graph.GraphStore, documentID, question string) (*query.Answer, error) {
	var translator query.Translator
	var composer query.Composer
	if client := services.DefaultOpenAIClient(); client != nil {
		translator = &query.LLMTranslator{Client: client, Model: services.OpenAIModel()}
		composer = &query.LLMComposer{Client: client, Model: services.OpenAIModel()}
	}
	engine := query.NewEngine(store, translator, composer)
	return engine.Answer(ctx, documentID, question)
}

func waitForStage(p *pipeline.Pipeline, documentID string, want graph.Stage, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		stage, history, err := p.Status(documentID)
		if err != nil {
			return err
		}
		if stage == want {
			return nil
		}
		if stage == graph.StageFailed {
			last := history[len(history)-1]
			return fmt.Errorf("document failed: %s", last.Error)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for stage %s (currently %s)", want, stage)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
