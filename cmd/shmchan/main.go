//go:build linux

/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Command shmchan moves messages between two processes over a shared-memory
// channel.
//
//	shmchan serve            owner: create the ring, print what arrives
//	shmchan send [msg...]    initiator: send args, or stdin lines
//	shmchan demo             run both, the sender as a child process
//
// Settings come from SHMCHAN_* environment variables; flags override them.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/markrussinovich/shmchan/internal/config"
	"github.com/markrussinovich/shmchan/internal/logging"
	"github.com/markrussinovich/shmchan/internal/metrics"
	"github.com/markrussinovich/shmchan/internal/transport/bootstrap"
	"github.com/markrussinovich/shmchan/internal/transport/channel"
	"github.com/markrussinovich/shmchan/internal/transport/rendezvous"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s serve|send|demo [flags]\n", os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, args)
	case "send":
		err = runSend(ctx, cfg, args)
	case "demo":
		err = runDemo(ctx, cfg, args)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmchan %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// commonFlags registers the flags shared by every command, defaulting to cfg.
func commonFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Socket, "socket", cfg.Socket, "rendezvous socket path")
	fs.Uint64Var(&cfg.Capacity, "capacity", cfg.Capacity, "ring capacity in bytes (owner only)")
	fs.Uint32Var(&cfg.RecordSlots, "record-slots", cfg.RecordSlots, "frames in flight (owner only)")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "payload mode: binary or text")
	fs.StringVar(&cfg.Handshake, "handshake", cfg.Handshake, "handshake: tagged or positional")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "bootstrap timeout")
	fs.StringVar(&cfg.Level, "log-level", cfg.Level, "log level")
	fs.BoolVar(&cfg.Development, "log-dev", cfg.Development, "human readable logs")
}

func parse(name string, cfg *config.Config, args []string, extra func(*pflag.FlagSet)) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	commonFlags(fs, cfg)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, cfg.Validate()
}

// options converts cfg into bootstrap options. cfg has been validated.
func options(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) bootstrap.Options {
	mode, _ := channel.ParseMode(cfg.Mode)
	hs, _ := rendezvous.ParseHandshakeMode(cfg.Handshake)

	o := bootstrap.DefaultOptions(cfg.Socket)
	o.Capacity = cfg.Capacity
	o.RecordSlots = cfg.RecordSlots
	o.Mode = mode
	o.Handshake = hs
	o.Timeout = cfg.Timeout
	o.Logger = logger
	o.Metrics = m
	return o
}

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	var quiet bool
	if _, err := parse("serve", cfg, args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&quiet, "quiet", false, "do not print received messages")
	}); err != nil {
		return err
	}
	logger := logging.NewOrNop(cfg.LoggingConfig())
	defer logger.Sync()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	rx, err := bootstrap.Serve(ctx, options(cfg, logger, m))
	if err != nil {
		return err
	}
	defer rx.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	n, bytes, err := drain(ctx, rx, func(p []byte) {
		if quiet {
			return
		}
		if rx.Mode() == channel.ModeText {
			fmt.Fprintln(out, string(p))
		} else {
			fmt.Fprintf(out, "%d bytes\n", len(p))
		}
	})
	logger.Info("sender finished", zap.Int("messages", n), zap.Int("bytes", bytes))
	logCounters(logger, reg)
	return err
}

// drain receives until the sender closes the channel.
func drain(ctx context.Context, rx *channel.Receiver, fn func([]byte)) (n, total int, err error) {
	for {
		p, err := rx.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, total, nil
		}
		if err != nil {
			return n, total, err
		}
		n++
		total += len(p)
		fn(p)
	}
}

func runSend(ctx context.Context, cfg *config.Config, args []string) error {
	var (
		count int
		size  int
	)
	fs, err := parse("send", cfg, args, func(fs *pflag.FlagSet) {
		fs.IntVar(&count, "count", 0, "send this many generated messages instead of args or stdin")
		fs.IntVar(&size, "size", 1000, "size of generated messages")
	})
	if err != nil {
		return err
	}
	logger := logging.NewOrNop(cfg.LoggingConfig())
	defer logger.Sync()

	tx, err := bootstrap.Connect(ctx, options(cfg, logger, nil))
	if err != nil {
		return err
	}
	defer tx.Close()

	switch {
	case count > 0:
		msg := generate(size)
		for i := 0; i < count; i++ {
			if err := tx.SendString(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	case fs.NArg() > 0:
		for _, msg := range fs.Args() {
			if err := tx.SendString(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	default:
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 64<<10), tx.MaxPayload())
		for sc.Scan() {
			if err := tx.Send(ctx, sc.Bytes()); err != nil {
				return err
			}
		}
		return sc.Err()
	}
}

// generate returns printable text of exactly size bytes.
func generate(size int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789 "
	var b strings.Builder
	b.Grow(size)
	for i := 0; i < size; i++ {
		b.WriteByte(alphabet[i%len(alphabet)])
	}
	return b.String()
}

func runDemo(ctx context.Context, cfg *config.Config, args []string) error {
	var (
		count int
		size  int
	)
	if _, err := parse("demo", cfg, args, func(fs *pflag.FlagSet) {
		fs.IntVar(&count, "count", 10000, "messages to send")
		fs.IntVar(&size, "size", 1000, "message size")
	}); err != nil {
		return err
	}
	logger := logging.NewOrNop(cfg.LoggingConfig())
	defer logger.Sync()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	self, err := os.Executable()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	ready := make(chan struct{})
	o := options(cfg, logger, m)
	o.Ready = func(string) { close(ready) }

	start := time.Now()
	var n, total int
	g.Go(func() error {
		rx, err := bootstrap.Serve(gctx, o)
		if err != nil {
			return err
		}
		defer rx.Close()
		// Ends with io.EOF once the child closes its sender.
		n, total, err = drain(gctx, rx, func([]byte) {})
		return err
	})
	g.Go(func() error {
		select {
		case <-ready:
		case <-gctx.Done():
			return gctx.Err()
		}
		child := exec.CommandContext(gctx, self, "send",
			"--socket", cfg.Socket,
			"--mode", cfg.Mode,
			"--handshake", cfg.Handshake,
			"--count", strconv.Itoa(count),
			"--size", strconv.Itoa(size),
			"--log-level", cfg.Level,
		)
		child.Stdout = os.Stderr
		child.Stderr = os.Stderr
		return child.Run()
	})
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	logger.Info("demo finished",
		zap.Int("messages", n),
		zap.Int("bytes", total),
		zap.Duration("elapsed", elapsed))
	fmt.Printf("%d messages, %d bytes in %v (%.1f MB/s)\n",
		n, total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds()/1e6)
	logCounters(logger, reg)
	return nil
}

// logCounters logs every counter in reg at debug level.
func logCounters(logger *zap.Logger, reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		logger.Warn("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			fields := []zap.Field{zap.Float64("value", m.GetCounter().GetValue())}
			for _, lp := range m.GetLabel() {
				fields = append(fields, zap.String(lp.GetName(), lp.GetValue()))
			}
			logger.Debug(mf.GetName(), fields...)
		}
	}
}
