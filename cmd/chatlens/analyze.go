package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatlens/backend/config"
	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/events"
	"github.com/onnwee/chatlens/backend/heuristics"
	"github.com/onnwee/chatlens/backend/llm"
	"github.com/onnwee/chatlens/backend/pipeline"
)

const offlineStreamID = "offline"

type analyzeOptions struct {
	file           string
	batchSize      int
	title          string
	channel        string
	live           bool
	heuristicsOnly bool
	lexicon        string
}

func newAnalyzeCmd() *cobra.Command {
	var opts analyzeOptions
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a newline-delimited JSON chat transcript",
		Long: `Reads one message per line ({"id","author","text","timestamp"}) and prints
one analysis per batch as JSON. Use --file - to read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "Transcript file (- for stdin)")
	f.IntVar(&opts.batchSize, "batch-size", 0, "Messages per analysis (0 analyzes the whole file at once)")
	f.StringVar(&opts.title, "title", "", "Stream title passed to the analyzers")
	f.StringVar(&opts.channel, "channel", "", "Channel title passed to the analyzers")
	f.BoolVar(&opts.live, "live", false, "Treat the transcript as live chat")
	f.BoolVar(&opts.heuristicsOnly, "heuristics-only", false, "Skip the language model")
	f.StringVar(&opts.lexicon, "lexicon", "", "Sentiment lexicon YAML (default: built-in)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runAnalyze(ctx context.Context, stdin io.Reader, out io.Writer, opts analyzeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	in := stdin
	if opts.file != "-" {
		fh, err := os.Open(opts.file)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer fh.Close()
		in = fh
	}
	messages, err := readTranscript(in)
	if err != nil {
		return err
	}

	lex, err := heuristics.LoadLexicon(opts.lexicon)
	if err != nil {
		return err
	}
	var client llm.Client
	orchCfg := pipeline.DefaultOrchestratorConfig()
	if !opts.heuristicsOnly {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		client, err = llm.New(ctx, llmConfig(cfg))
		if err != nil {
			return fmt.Errorf("llm client: %w", err)
		}
		orchCfg.MaxAttempts = cfg.LLMMaxAttempts
		orchCfg.BackoffUnit = cfg.LLMBackoffUnit
		orchCfg.CallTimeout = cfg.LLMCallTimeout
	}
	// batches of one transcript are analyzed back to back
	orchCfg.RateLimitWindow = 0
	orch := pipeline.NewOrchestrator(client, heuristics.New(lex), orchCfg)

	meta := core.StreamMetadata{Title: opts.title, ChannelTitle: opts.channel, IsLive: opts.live}
	enc := json.NewEncoder(out)
	for _, batch := range chunk(messages, opts.batchSize) {
		res := orch.Analyze(ctx, offlineStreamID, batch, meta)
		payload := events.AnalysisPayload{
			Envelope:     res.Envelope,
			MessageCount: len(batch),
			Source:       res.Source,
		}
		if n := len(batch); n > 0 {
			payload.Timestamp = batch[n-1].Timestamp
		}
		if err := enc.Encode(payload); err != nil {
			return fmt.Errorf("write analysis: %w", err)
		}
	}
	return nil
}

// readTranscript parses one JSON message per line, skipping blank lines.
func readTranscript(r io.Reader) ([]core.Message, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var out []core.Message
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var m core.Message
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("transcript line %d: %w", line, err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return out, nil
}

// chunk splits messages into batches of size n; n <= 0 yields one batch.
func chunk(messages []core.Message, n int) [][]core.Message {
	if n <= 0 || n >= len(messages) {
		return [][]core.Message{messages}
	}
	var out [][]core.Message
	for start := 0; start < len(messages); start += n {
		end := min(start+n, len(messages))
		out = append(out, messages[start:end])
	}
	return out
}

func llmConfig(cfg *config.Config) llm.Config {
	return llm.Config{
		Provider:    cfg.LLMProvider,
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMCallTimeout,
		SiteURL:     cfg.FrontendURL,
		SiteName:    cfg.LLMSiteName,
	}
}
