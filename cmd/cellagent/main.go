package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/metherx/cellagent/agent"
	"github.com/metherx/cellagent/config"
	"github.com/metherx/cellagent/observe"
	"github.com/metherx/cellagent/providers/ollama"
	"github.com/metherx/cellagent/queue"
	"github.com/metherx/cellagent/queue/redisstreams"
	"github.com/metherx/cellagent/retrieval"
	"github.com/metherx/cellagent/runner"
	"github.com/metherx/cellagent/state/factory"
	"github.com/metherx/cellagent/tools"
)

const usage = `usage: cellagent [flags] <command>

commands:
  ask     -conversation <id> <message>     run one turn
  resume  -conversation <id>               continue an interrupted turn
  deliver -conversation <id> -call <id> <result-json>
                                           deliver an out-of-band tool result
  ingest  -doc <id> <file>                 add a document to the knowledge base
  enqueue -conversation <id> <message>     queue a turn for a worker (needs queueAddr)
  work                                     drain queued turns until interrupted

flags:
  -config <path>   YAML config file (or CELLAGENT_CONFIG)
  -verbose         stream events to stderr
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cellagent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	flags := flag.NewFlagSet("cellagent", flag.ExitOnError)
	configPath := flags.String("config", os.Getenv("CELLAGENT_CONFIG"), "YAML config file")
	verbose := flags.Bool("verbose", false, "stream events to stderr")
	conversationID := flags.String("conversation", "", "conversation id")
	callID := flags.String("call", "", "pending tool call id (deliver)")
	docID := flags.String("doc", "", "document id (ingest)")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		return fmt.Errorf("a command is required")
	}
	command, args := args[0], args[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var sink observe.Sink = observe.NoopSink{}
	if *verbose {
		sink = observe.NewWriterSink(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder, err := ollama.NewEmbedder(
		ollama.WithEmbeddingModel(cfg.EmbeddingModel),
		ollama.WithEmbedderBaseURL(cfg.OllamaBaseURL),
	)
	if err != nil {
		return err
	}
	index, err := retrieval.NewMemoryIndex(retrieval.WithPersistencePath(cfg.VectorPath))
	if err != nil {
		return err
	}

	if command == "ingest" {
		return runIngest(ctx, embedder, index, *docID, args)
	}

	provider, err := ollama.New(
		ollama.WithModel(cfg.Model),
		ollama.WithBaseURL(cfg.OllamaBaseURL),
	)
	if err != nil {
		return err
	}

	assembler, err := retrieval.NewAssembler(embedder, index,
		retrieval.WithTopK(cfg.RetrievalTopK),
		retrieval.WithMinScore(cfg.SimilarityThreshold),
	)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(tools.WithCallTimeout(cfg.ToolTimeout))
	registry.MustRegister(tools.NewCalculator())

	engineOpts := []agent.EngineOption{
		agent.WithRegistry(registry),
		agent.WithAssembler(assembler),
		agent.WithSink(sink),
		agent.WithStepLimit(cfg.StepLimit),
		agent.WithModel(cfg.Model),
	}
	if cfg.SystemPrompt != "" {
		engineOpts = append(engineOpts, agent.WithSystemPrompt(cfg.SystemPrompt))
	}
	engine, err := agent.New(provider, engineOpts...)
	if err != nil {
		return err
	}

	store, err := factory.Open(cfg.CheckpointDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	coordinator, err := runner.New(engine, store, runner.WithSink(sink))
	if err != nil {
		return err
	}

	switch command {
	case "enqueue":
		if *conversationID == "" {
			return fmt.Errorf("enqueue requires -conversation")
		}
		message := strings.TrimSpace(strings.Join(args, " "))
		if message == "" {
			return fmt.Errorf("enqueue requires a message")
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		id, err := q.Enqueue(ctx, queue.TurnTask{ConversationID: *conversationID, Input: message})
		if err != nil {
			return err
		}
		fmt.Printf("queued %s\n", id)
		return nil

	case "work":
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		worker, err := runner.NewWorker(coordinator, q, runner.WithWorkerSink(sink))
		if err != nil {
			return err
		}
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil

	case "ask":
		if *conversationID == "" {
			return fmt.Errorf("ask requires -conversation")
		}
		message := strings.TrimSpace(strings.Join(args, " "))
		if message == "" {
			return fmt.Errorf("ask requires a message")
		}
		return printResult(coordinator.HandleTurn(ctx, *conversationID, message))

	case "resume":
		if *conversationID == "" {
			return fmt.Errorf("resume requires -conversation")
		}
		return printResult(coordinator.Resume(ctx, *conversationID))

	case "deliver":
		if *conversationID == "" || *callID == "" {
			return fmt.Errorf("deliver requires -conversation and -call")
		}
		if len(args) != 1 {
			return fmt.Errorf("deliver requires exactly one result-json argument")
		}
		result := json.RawMessage(args[0])
		if !json.Valid(result) {
			return fmt.Errorf("result is not valid JSON")
		}
		return printResult(coordinator.DeliverToolResult(ctx, *conversationID, *callID, result, ""))

	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func openQueue(cfg config.Config) (queue.Queue, error) {
	if cfg.QueueAddr == "" {
		return nil, fmt.Errorf("queueAddr (or CELLAGENT_QUEUE_ADDR) is required for queued turns")
	}
	return redisstreams.New(cfg.QueueAddr)
}

func runIngest(ctx context.Context, embedder retrieval.Embedder, index retrieval.Index, docID string, args []string) error {
	if docID == "" {
		return fmt.Errorf("ingest requires -doc")
	}
	if len(args) != 1 {
		return fmt.Errorf("ingest requires exactly one file argument")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	ingestor, err := retrieval.NewIngestor(embedder, index)
	if err != nil {
		return err
	}
	count, err := ingestor.IngestDocument(ctx, docID, string(data), 0, 0)
	if err != nil {
		return err
	}
	fmt.Printf("ingested %q as %d chunks\n", docID, count)
	return nil
}

func printResult(res runner.TurnResult, err error) error {
	if err != nil {
		return err
	}
	switch res.Status {
	case agent.StatusAwaitingTool:
		fmt.Printf("turn %s is waiting for a tool result (use deliver)\n", res.TurnID)
	default:
		fmt.Println(res.Output)
	}
	return nil
}
