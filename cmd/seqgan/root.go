package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/23skdu/longbow-seqgan/internal/config"
	"github.com/23skdu/longbow-seqgan/internal/logger"
	"github.com/23skdu/longbow-seqgan/internal/monitoring"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "seqgan",
	Short: "Train an LSTM sequence generator with SeqGAN policy gradient",
	Long: `Pretrain an LSTM generator on token sequences, then improve it adversarially
with Monte-Carlo rollout rewards from a discriminator.

Sequence files are Arrow IPC streams with a FixedSizeList<int32> "tokens" column.

Examples:
  # Sample synthetic "real" data from a fixed random oracle
  seqgan generate --seed 88 --batches 160 --out real.arrow

  # Maximum-likelihood pretraining only
  seqgan pretrain --data real.arrow

  # Pretrain then adversarial training against a remote discriminator
  seqgan serve-discriminator --data real.arrow --listen localhost:8815 &
  seqgan train --data real.arrow --discriminator localhost:8815`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		bindLocalFlags(cmd)
		logger.Setup(viper.GetString("log.level"), viper.GetString("log.format"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (e.g. seqgan.yaml)")
	pf.String("log-level", "info", "logging level (debug, info, warn, error)")
	pf.String("log-format", "console", "log output format (console, json)")
	pf.String("metrics-addr", ":9090", "address for /metrics, /healthz and /status; empty disables")

	pf.Int("batch-size", 64, "sequences per batch")
	pf.Int("seq-len", 20, "tokens per sequence")
	pf.Int("vocab-size", 5000, "vocabulary size")
	pf.Int("emb-dim", 32, "token embedding width")
	pf.Int("hidden-dim", 32, "LSTM hidden width")
	pf.Int("start-token", 0, "token fed at the first decoding step")
	pf.Float64("learning-rate", 0.01, "Adam learning rate")
	pf.Float64("grad-clip", 5.0, "per-tensor gradient norm clip")
	pf.Int64("seed", 88, "random seed (0 picks one from the clock)")
	pf.Int("rollout-workers", 0, "concurrent rollouts (0 means one per CPU)")

	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.format", pf.Lookup("log-format"))
	mustBindPFlag("metrics_addr", pf.Lookup("metrics-addr"))
	mustBindPFlag("generator.batch_size", pf.Lookup("batch-size"))
	mustBindPFlag("generator.seq_len", pf.Lookup("seq-len"))
	mustBindPFlag("generator.vocab_size", pf.Lookup("vocab-size"))
	mustBindPFlag("generator.emb_dim", pf.Lookup("emb-dim"))
	mustBindPFlag("generator.hidden_dim", pf.Lookup("hidden-dim"))
	mustBindPFlag("generator.start_token", pf.Lookup("start-token"))
	mustBindPFlag("generator.learning_rate", pf.Lookup("learning-rate"))
	mustBindPFlag("generator.grad_clip", pf.Lookup("grad-clip"))
	mustBindPFlag("generator.seed", pf.Lookup("seed"))
	mustBindPFlag("generator.rollout_workers", pf.Lookup("rollout-workers"))

	setDefaults(viper.GetViper())

	rootCmd.AddCommand(pretrainCmd, trainCmd, generateCmd, serveCmd)
}

// setDefaults fills the keys no flag covers.
func setDefaults(v *viper.Viper) {
	d := config.Default()
	v.SetDefault("generator.beta1", d.Beta1)
	v.SetDefault("generator.beta2", d.Beta2)
	v.SetDefault("generator.adam_eps", d.AdamEps)
	v.SetDefault("generator.init_std", d.InitStd)

	t := config.DefaultTrain()
	v.SetDefault("train.pretrain_epochs", t.PretrainEpochs)
	v.SetDefault("train.adversarial_epochs", t.AdversarialEpochs)
	v.SetDefault("train.rollout_num", t.RolloutNum)
	v.SetDefault("metrics_addr", t.MetricsAddr)
	v.SetDefault("log.level", t.LogLevel)
	v.SetDefault("log.format", t.LogFormat)
}

func initConfig() {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("seqgan")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("SEQGAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", key, err))
	}
}

func generatorConfig(v *viper.Viper) config.GeneratorConfig {
	return config.GeneratorConfig{
		BatchSize:      v.GetInt("generator.batch_size"),
		SeqLen:         v.GetInt("generator.seq_len"),
		VocabSize:      v.GetInt("generator.vocab_size"),
		EmbDim:         v.GetInt("generator.emb_dim"),
		HiddenDim:      v.GetInt("generator.hidden_dim"),
		StartToken:     v.GetInt("generator.start_token"),
		LearningRate:   v.GetFloat64("generator.learning_rate"),
		GradClip:       v.GetFloat64("generator.grad_clip"),
		Beta1:          v.GetFloat64("generator.beta1"),
		Beta2:          v.GetFloat64("generator.beta2"),
		AdamEps:        v.GetFloat64("generator.adam_eps"),
		InitStd:        v.GetFloat64("generator.init_std"),
		Seed:           v.GetInt64("generator.seed"),
		RolloutWorkers: v.GetInt("generator.rollout_workers"),
	}
}

func trainConfig(v *viper.Viper) config.TrainConfig {
	return config.TrainConfig{
		PretrainEpochs:    v.GetInt("train.pretrain_epochs"),
		AdversarialEpochs: v.GetInt("train.adversarial_epochs"),
		RolloutNum:        v.GetInt("train.rollout_num"),
		DataPath:          v.GetString("train.data"),
		SamplesPath:       v.GetString("train.samples"),
		DiscriminatorAddr: v.GetString("train.discriminator"),
		MetricsAddr:       v.GetString("metrics_addr"),
		LogLevel:          v.GetString("log.level"),
		LogFormat:         v.GetString("log.format"),
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startMonitor serves the health monitor on addr in the background. The returned
// stop function is safe to call when addr is empty.
func startMonitor(addr string) (*monitoring.HealthMonitor, func()) {
	hm := monitoring.NewHealthMonitor()
	if addr == "" {
		return hm, func() {}
	}
	go func() {
		if err := hm.Start(addr); err != nil {
			logger.Log.Error("health monitor stopped", err, "addr", addr)
		}
	}()
	return hm, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hm.Stop(ctx)
	}
}
