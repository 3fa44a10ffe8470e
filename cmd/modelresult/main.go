// Command modelresult sends a single prompt (or embedding request) to a model
// provider and prints the resulting output and metadata as JSON.
//
// Requests go through a gateway composed of adaptive rate limiting,
// telemetry and result recording middlewares.
//
// # Configuration
//
// Settings are read from an optional YAML file (-config) and overridden by
// environment variables:
//
//	MODELRESULT_PROVIDER  - anthropic, openai or bedrock (default: "anthropic")
//	ANTHROPIC_API_KEY     - Anthropic API key
//	OPENAI_API_KEY        - OpenAI API key
//	AWS_REGION            - Bedrock region (credentials use the default AWS chain)
//	MODELRESULT_TPM       - initial tokens-per-minute budget (default: 60000)
//	MONGO_URI             - persist results to MongoDB when set
//	REDIS_URL             - cache results and share the rate limit budget when set
//
// # Example
//
//	ANTHROPIC_API_KEY=... go run ./cmd/modelresult "Write a haiku about Go"
//	OPENAI_API_KEY=... go run ./cmd/modelresult -provider openai -embed "hello" "world"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	sdkopenai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/modelresult/features/model/anthropic"
	"goa.design/modelresult/features/model/bedrock"
	"goa.design/modelresult/features/model/gateway"
	"goa.design/modelresult/features/model/middleware"
	"goa.design/modelresult/features/model/openai"
	resultmongo "goa.design/modelresult/features/resultlog/mongo"
	clientsmongo "goa.design/modelresult/features/resultlog/mongo/clients/mongo"
	resultredis "goa.design/modelresult/features/resultlog/redis"
	"goa.design/modelresult/runtime/model"
	"goa.design/modelresult/runtime/resultlog"
	"goa.design/modelresult/runtime/resultlog/inmem"
	"goa.design/modelresult/runtime/telemetry"
)

type (
	// providers holds the clients built for the configured provider.
	providers struct {
		chat  model.ChatClient
		embed model.EmbeddingClient
	}

	// output is the JSON document printed for each result.
	output struct {
		Index    int                    `json:"index"`
		Output   any                    `json:"output,omitempty"`
		Metadata json.RawMessage        `json:"metadata"`
		Response model.ResponseMetadata `json:"response"`
		RecordID string                 `json:"record_id,omitempty"`
	}
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to a YAML configuration file")
		providerF = flag.String("provider", "", "Model provider (anthropic, openai, bedrock)")
		embedF    = flag.Bool("embed", false, "Embed each argument instead of completing a prompt")
		streamF   = flag.Bool("stream", false, "Stream the completion")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *providerF, *embedF, *streamF, flag.Args()); err != nil {
		log.Fatalf(ctx, err, "modelresult failed")
	}
}

func run(ctx context.Context, configPath, provider string, embed, stream bool, args []string) error {
	if len(args) == 0 {
		return errors.New("a prompt is required")
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if provider != "" {
		cfg.Provider = provider
		if err := cfg.validate(); err != nil {
			return err
		}
	}

	var rdb *redis.Client
	if cfg.ResultLog.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.ResultLog.RedisAddr, Password: cfg.ResultLog.RedisPass})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	store, closeStore, err := newStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	provs, err := newProviders(ctx, cfg)
	if err != nil {
		return err
	}

	var budget *rmap.Map
	if rdb != nil {
		budget, err = rmap.Join(ctx, "modelresult-ratelimit", rdb)
		if err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
		defer budget.Close()
	}
	limiter := middleware.NewAdaptiveRateLimiter(ctx, budget, cfg.Provider, cfg.RateLimit.TPM, cfg.RateLimit.MaxTPM)
	logger := telemetry.NewClueLogger()
	tel := middleware.TelemetryOptions{
		Logger:  logger,
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	}

	opts := []gateway.Option{
		gateway.WithProvider(middleware.Chain(provs.chat,
			middleware.Telemetry(tel),
			limiter.Middleware(),
			middleware.Recorder(store, logger),
		)),
		gateway.WithUnary(logUnary(logger)),
	}
	if provs.embed != nil {
		opts = append(opts, gateway.WithEmbedder(middleware.ChainEmbedding(provs.embed,
			middleware.EmbeddingTelemetry(tel),
			limiter.EmbeddingMiddleware(),
			middleware.EmbeddingRecorder(store, logger),
		)))
	}
	srv, err := gateway.NewServer(opts...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if embed {
		if provs.embed == nil {
			return fmt.Errorf("provider %s does not support embeddings", cfg.Provider)
		}
		resp, err := srv.Embedder().Embed(ctx, &model.EmbeddingRequest{Inputs: args})
		if err != nil {
			return err
		}
		for i, res := range resp.Results {
			if err := printResult(enc, i, res, resp.Metadata); err != nil {
				return err
			}
		}
		return nil
	}

	req := &model.Request{Messages: []*model.Message{model.NewUserMessage(strings.Join(args, " "))}}
	var resp *model.ChatResponse
	if stream {
		resp, err = streamCompletion(ctx, srv.Client(), req)
	} else {
		resp, err = srv.Complete(ctx, req)
	}
	if err != nil {
		return err
	}
	for i, res := range resp.Results {
		if err := printResult(enc, i, res, resp.Metadata); err != nil {
			return err
		}
	}
	return nil
}

func newProviders(ctx context.Context, cfg *config) (*providers, error) {
	switch cfg.Provider {
	case providerAnthropic:
		c, err := anthropic.NewFromAPIKey(cfg.Anthropic.APIKey, anthropic.Options{
			DefaultModel:   cfg.Anthropic.Model,
			MaxTokens:      cfg.Anthropic.MaxTokens,
			Temperature:    cfg.Anthropic.Temperature,
			ThinkingBudget: cfg.Anthropic.ThinkingBudget,
		})
		if err != nil {
			return nil, err
		}
		return &providers{chat: c}, nil
	case providerOpenAI:
		oc := sdkopenai.NewClient(option.WithAPIKey(cfg.OpenAI.APIKey))
		c, err := openai.New(openai.Options{
			Chat:           &oc.Chat.Completions,
			Embeddings:     &oc.Embeddings,
			DefaultModel:   cfg.OpenAI.Model,
			EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		})
		if err != nil {
			return nil, err
		}
		return &providers{chat: c, embed: c}, nil
	case providerBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Bedrock.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Bedrock.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		c, err := bedrock.NewFromConfig(awsCfg, bedrock.Options{
			DefaultModel:   cfg.Bedrock.Model,
			EmbeddingModel: cfg.Bedrock.EmbeddingModel,
			MaxTokens:      cfg.Bedrock.MaxTokens,
			Temperature:    cfg.Bedrock.Temperature,
			Logger:         telemetry.NewClueLogger(),
		})
		if err != nil {
			return nil, err
		}
		log.Debug(ctx, log.KV{K: "aws-region", V: awsCfg.Region})
		return &providers{chat: c, embed: c}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

// newStore returns the result log store: MongoDB when configured, in-memory
// otherwise, with a Redis cache in front when a Redis client is available.
func newStore(ctx context.Context, cfg *config, rdb *redis.Client) (resultlog.Store, func(), error) {
	var (
		store   resultlog.Store = inmem.New()
		closeFn                 = func() {}
	)
	if cfg.ResultLog.MongoURI != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.ResultLog.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		closeFn = func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}
		client, err := clientsmongo.New(clientsmongo.Options{
			Client:     mc,
			Database:   cfg.ResultLog.Database,
			Collection: cfg.ResultLog.Collection,
		})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := client.Ping(ctx); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("ping %s: %w", client.Name(), err)
		}
		if store, err = resultmongo.NewStore(client); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	if rdb != nil {
		cached, err := resultredis.New(resultredis.Options{
			Redis:   rdb,
			Backend: store,
			TTL:     cfg.ResultLog.CacheTTL,
			Logger:  telemetry.NewClueLogger(),
		})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		store = cached
	}
	return store, closeFn, nil
}

// streamCompletion streams the completion, echoing text deltas to stderr, and
// returns the accumulated response.
func streamCompletion(ctx context.Context, c model.ChatClient, req *model.Request) (*model.ChatResponse, error) {
	st, err := c.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		log.Info(ctx, log.KV{K: "msg", V: "streaming unsupported, falling back to complete"})
		return c.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()
	return model.Accumulate(&echoStreamer{Streamer: st, w: os.Stderr})
}

// echoStreamer writes text deltas to w as they arrive.
type echoStreamer struct {
	model.Streamer
	w io.Writer
}

func (e *echoStreamer) Recv() (model.Chunk, error) {
	ch, err := e.Streamer.Recv()
	if err == nil && ch.Type == model.ChunkTypeText && ch.Message != nil {
		_, _ = io.WriteString(e.w, ch.Message.Text())
	}
	if errors.Is(err, io.EOF) {
		_, _ = io.WriteString(e.w, "\n")
	}
	return ch, err
}

func printResult[T any](enc *json.Encoder, i int, res *model.Generation[T], rm model.ResponseMetadata) error {
	md, err := model.MarshalMetadata(res.Metadata())
	if err != nil {
		return err
	}
	out := output{Index: i, Metadata: md, Response: rm}
	if v, err := model.RequireOutput[T](res); err == nil {
		out.Output = v
	}
	return enc.Encode(out)
}

// logUnary logs each completion handled by the gateway.
func logUnary(logger telemetry.Logger) gateway.UnaryMiddleware {
	return func(next gateway.UnaryHandler) gateway.UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.ChatResponse, error) {
			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}
			logger.Info(ctx, "completion",
				"provider", resp.Metadata.Provider,
				"model", resp.Metadata.Model,
				"results", len(resp.Results),
				"total_tokens", resp.Metadata.Usage.TotalTokens,
			)
			return resp, nil
		}
	}
}
