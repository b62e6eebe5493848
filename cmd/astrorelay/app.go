package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/beeper/astrorelay/pkg/config"
	"github.com/beeper/astrorelay/pkg/daemon"
	"github.com/beeper/astrorelay/pkg/reconcile"
	"github.com/beeper/astrorelay/pkg/rpcqueue"
	"github.com/beeper/astrorelay/pkg/shellyrpc"
	"github.com/beeper/astrorelay/pkg/shellysim"
	"github.com/beeper/astrorelay/pkg/statestore"
	"github.com/beeper/astrorelay/pkg/twilight"
)

type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	queue   *rpcqueue.Queue
	jobs    *shellyrpc.JobStore
	engine  *reconcile.Engine
	daemon  *daemon.Daemon
	closers []io.Closer
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = os.Getenv("ASTRORELAY_CONFIG")
	}
	return config.Load(path)
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := cfg.NewLogger(os.Stderr)
	for _, warning := range cfg.Warnings {
		log.Warn().Msg("config: " + warning)
	}
	a := &app{cfg: cfg, log: log}

	var sim *shellysim.Device
	var caller rpcqueue.Caller
	if opts.Simulate {
		sim = shellysim.Open(opts.SimState, log)
		caller = sim
		log.Info().Str("state", opts.SimState).Msg("using emulated device")
	} else {
		caller, err = a.dial(ctx)
		if err != nil {
			return nil, err
		}
	}

	a.queue = rpcqueue.New(caller, cfg.Device.RPCTimeout, log)
	a.jobs = shellyrpc.NewJobStore(a.queue, cfg.Device.RPCTimeout, log)

	var state statestore.Store
	switch cfg.State.Backend {
	case "sqlite":
		store, err := statestore.OpenSQLite(ctx, cfg.State.SQLitePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, store)
		state = store
	default:
		state = statestore.NewDeviceKVS(shellyrpc.NewKVS(a.queue, cfg.Device.RPCTimeout, log))
	}

	resolver := twilight.NewResolver(twilight.Options{
		BaseURL:     cfg.Twilight.BaseURL,
		Latitude:    cfg.Location.Lat,
		Longitude:   cfg.Location.Lng,
		Location:    cfg.Location.TimeZone(),
		Morning:     cfg.Twilight.Morning,
		Evening:     cfg.Twilight.Evening,
		HTTPTimeout: cfg.Twilight.HTTPTimeout,
		MaxRetries:  cfg.Twilight.MaxRetries,
		RetryDelay:  cfg.Twilight.RetryDelay,
	}, log)

	a.engine = reconcile.New(cfg, a.jobs, state, resolver, log)
	a.daemon = daemon.New(cfg, a.engine, log)
	if sim != nil {
		// Evals arrive while the queue is busy with the call that fired them.
		sim.OnEval = func(code string) { go a.daemon.DispatchCode(ctx, code) }
	}
	return a, nil
}

func (a *app) dial(ctx context.Context) (rpcqueue.Caller, error) {
	dev := a.cfg.Device
	switch dev.Transport {
	case "ws":
		t := shellyrpc.NewWSTransport(dev.Address, a.log)
		a.closers = append(a.closers, t)
		return t, nil
	case "mqtt":
		t, err := shellyrpc.DialMQTT(ctx, shellyrpc.MQTTConfig{
			Broker:      dev.MQTT.Broker,
			Username:    dev.MQTT.Username,
			Password:    dev.MQTT.Password,
			TopicPrefix: dev.MQTT.TopicPrefix,
		}, a.log)
		if err != nil {
			return nil, fmt.Errorf("connect mqtt: %w", err)
		}
		a.closers = append(a.closers, t)
		return t, nil
	default:
		return shellyrpc.NewHTTPTransport(dev.Address, dev.RPCTimeout, nil), nil
	}
}

func (a *app) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Debug().Err(err).Msg("close failed")
		}
	}
}
