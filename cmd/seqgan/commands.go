package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-seqgan/internal/config"
	"github.com/23skdu/longbow-seqgan/internal/discriminator"
	"github.com/23skdu/longbow-seqgan/internal/generator"
	"github.com/23skdu/longbow-seqgan/internal/logger"
	"github.com/23skdu/longbow-seqgan/internal/metrics"
	"github.com/23skdu/longbow-seqgan/internal/monitoring"
	"github.com/23skdu/longbow-seqgan/internal/seqio"
)

var pretrainCmd = &cobra.Command{
	Use:   "pretrain",
	Short: "Maximum-likelihood pretraining on real sequences",
	RunE:  runPretrain,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Pretrain, then adversarial training with rollout rewards",
	Long: `Pretrain the generator, then alternate sampling, Monte-Carlo reward estimation
and policy-gradient updates. Rewards come from a remote Arrow Flight discriminator
when --discriminator is set, otherwise from a unigram scorer fitted on --data.`,
	RunE: runTrain,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Sample sequences from the generator",
	Long: `Sample batches from a freshly initialised generator, optionally after pretraining
on --data. With no --data this draws from a fixed random LSTM, which makes a
synthetic real corpus for experiments.`,
	RunE: runGenerate,
}

var serveCmd = &cobra.Command{
	Use:   "serve-discriminator",
	Short: "Serve a unigram discriminator over Arrow Flight",
	RunE:  runServe,
}

// localFlagKeys maps subcommand flags onto config keys. Several commands share a
// flag, so binding happens for the executing command only.
var localFlagKeys = map[string]string{
	"data":               "train.data",
	"pretrain-epochs":    "train.pretrain_epochs",
	"adversarial-epochs": "train.adversarial_epochs",
	"rollout-num":        "train.rollout_num",
	"discriminator":      "train.discriminator",
	"samples":            "train.samples",
}

func bindLocalFlags(cmd *cobra.Command) {
	for name, key := range localFlagKeys {
		if f := cmd.LocalFlags().Lookup(name); f != nil {
			mustBindPFlag(key, f)
		}
	}
}

func init() {
	for _, c := range []*cobra.Command{pretrainCmd, trainCmd, generateCmd, serveCmd} {
		c.Flags().String("data", "", "Arrow IPC file of real sequences")
	}
	for _, c := range []*cobra.Command{pretrainCmd, trainCmd, generateCmd} {
		c.Flags().Int("pretrain-epochs", 80, "passes over the real corpus")
	}

	trainCmd.Flags().Int("adversarial-epochs", 100, "policy-gradient steps")
	trainCmd.Flags().Int("rollout-num", 16, "Monte-Carlo rollouts per position")
	trainCmd.Flags().String("discriminator", "", "Arrow Flight discriminator address")
	trainCmd.Flags().String("samples", "", "write the final samples and rewards here")

	generateCmd.Flags().Int("batches", 1, "batches to sample")
	generateCmd.Flags().String("out", "", "Arrow IPC output file (default prints to stdout)")

	serveCmd.Flags().String("listen", "localhost:8815", "Flight listen address")
}

func newTrainer(v *viper.Viper) (*trainer, func(), error) {
	gcfg := generatorConfig(v)
	tcfg := trainConfig(v)
	if err := tcfg.Validate(); err != nil {
		return nil, nil, err
	}

	corpus, err := loadCorpus(tcfg.DataPath, gcfg)
	if err != nil {
		return nil, nil, err
	}
	gen, err := generator.New(gcfg)
	if err != nil {
		return nil, nil, err
	}
	health, stop := startMonitor(tcfg.MetricsAddr)
	return &trainer{
		gen:    gen,
		cfg:    tcfg,
		real:   corpus,
		health: health,
		log:    logger.Log.With("trainer"),
	}, stop, nil
}

func runPretrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	t, stop, err := newTrainer(viper.GetViper())
	if err != nil {
		return err
	}
	defer stop()

	if err := t.pretrain(ctx); err != nil {
		return err
	}
	t.health.SetPhase("done")
	return nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	t, stop, err := newTrainer(viper.GetViper())
	if err != nil {
		return err
	}
	defer stop()

	if t.cfg.DiscriminatorAddr != "" {
		client, err := discriminator.Dial(t.cfg.DiscriminatorAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		t.disc = client
	} else {
		scorer, err := discriminator.FitUnigram(flatten(t.real), t.gen.Config().VocabSize)
		if err != nil {
			return err
		}
		t.disc = scorer
	}

	if err := t.pretrain(ctx); err != nil {
		return err
	}
	if err := t.adversarial(ctx); err != nil {
		return err
	}
	t.health.SetPhase("done")
	t.log.Info("training finished", "tokens_generated", metrics.TotalTokens())
	return t.writeSamples(t.cfg.SamplesPath)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	v := viper.GetViper()
	gcfg := generatorConfig(v)
	gen, err := generator.New(gcfg)
	if err != nil {
		return err
	}

	if path := v.GetString("train.data"); path != "" {
		corpus, err := loadCorpus(path, gcfg)
		if err != nil {
			return err
		}
		t := &trainer{
			gen:    gen,
			cfg:    config.TrainConfig{PretrainEpochs: v.GetInt("train.pretrain_epochs")},
			real:   corpus,
			health: monitoring.NewHealthMonitor(),
			log:    logger.Log.With("trainer"),
		}
		if err := t.pretrain(ctx); err != nil {
			return err
		}
	}

	batches, _ := cmd.Flags().GetInt("batches")
	var rows [][]int
	for i := 0; i < batches; i++ {
		batch, err := gen.Generate(ctx)
		if err != nil {
			return err
		}
		rows = append(rows, batch...)
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		for _, row := range rows {
			fmt.Fprintln(cmd.OutOrStdout(), row)
		}
		return nil
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := seqio.WriteSamples(f, rows); err != nil {
		f.Close()
		return err
	}
	logger.Log.Info("samples written", "path", out, "sequences", len(rows))
	return f.Close()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	v := viper.GetViper()
	gcfg := generatorConfig(v)
	corpus, err := loadCorpus(v.GetString("train.data"), gcfg)
	if err != nil {
		return err
	}
	scorer, err := discriminator.FitUnigram(flatten(corpus), gcfg.VocabSize)
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	srv, err := discriminator.NewFlightServer(listen, scorer)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	return srv.Serve()
}

func flatten(batches [][][]int) [][]int {
	var rows [][]int
	for _, b := range batches {
		rows = append(rows, b...)
	}
	return rows
}
