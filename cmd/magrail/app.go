package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cjeanneret/MagRail/internal/config"
	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/cjeanneret/MagRail/internal/hw/actuator"
	"github.com/cjeanneret/MagRail/internal/hw/gpio"
	"github.com/cjeanneret/MagRail/internal/hw/mlx90393"
	"github.com/cjeanneret/MagRail/internal/hw/sim"
	"github.com/cjeanneret/MagRail/internal/logic/heading"
	"github.com/cjeanneret/MagRail/internal/logic/motion"
	"github.com/cjeanneret/MagRail/internal/metrics"
	"github.com/cjeanneret/MagRail/internal/trace"
	"github.com/cjeanneret/MagRail/internal/web"
)

// recordsPerBroadcast decimates control records sent to web clients.
const recordsPerBroadcast = 25

// errShuttingDown rejects jobs submitted once shutdown has begun.
var errShuttingDown = errors.New("magrail: shutting down")

// app owns the hardware and the controller for the process lifetime.
type app struct {
	cfg         *config.Config
	gpio        gpio.Driver
	closeBus    func() error
	plant       *sim.Plant // nil on real hardware
	act         *actuator.Driver
	dev         *mlx90393.Dev
	ctrl        *motion.Controller
	store       *trace.Store
	registry    *prometheus.Registry
	broadcaster *web.StatusBroadcaster

	cancelAct context.CancelFunc
	actDone   chan error
	closeOnce sync.Once

	mu      sync.Mutex // guards closing and jobs.Add against shutdown
	closing bool
	jobs    sync.WaitGroup
}

// start brings the rail up: GPIO and bus (or the simulator), the actuator
// loop, the sensor in burst mode, the controller and the trace store. A
// sensor configuration fault aborts startup.
func start(cfg *config.Config, broadcaster *web.StatusBroadcaster) (a *app, err error) {
	a = &app{cfg: cfg, broadcaster: broadcaster, closeBus: func() error { return nil }}
	defer func() {
		if err != nil {
			a.shutdown()
			a = nil
		}
	}()

	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Opening GPIO and I2C")
	var bus mlx90393.Bus
	if cfg.Defaults.MockGPIO {
		a.plant = sim.New(sim.Config{
			NearPin:   cfg.Actuator.NearPin,
			FarPin:    cfg.Actuator.FarPin,
			Address:   cfg.SensorAddress(),
			TravelDeg: cfg.Motion.FullTravelDeg,
			RateDeg:   cfg.Sim.RateDegPerSec,
			StartDeg:  cfg.Sim.StartDeg,
		})
		a.gpio, bus = a.plant, a.plant
	} else {
		if a.gpio, err = gpio.NewDriver(false); err != nil {
			return a, fmt.Errorf("init GPIO: %w", err)
		}
		i2c, err := mlx90393.OpenBus(byte(cfg.Sensor.I2CBus))
		if err != nil {
			return a, err
		}
		a.closeBus = func() error { return mlx90393.CloseBus(i2c) }
		bus = i2c
	}

	debug.Step(2, "Starting actuator loop")
	debug.PrintStruct("Actuator config", cfg.Actuator)
	a.act, err = actuator.New(a.gpio, actuator.Config{
		NearPin:     cfg.Actuator.NearPin,
		FarPin:      cfg.Actuator.FarPin,
		PeriodTicks: cfg.Actuator.PeriodTicks,
		TickRate:    cfg.Actuator.TickHz,
	})
	if err != nil {
		return a, err
	}
	actCtx, cancel := context.WithCancel(context.Background())
	a.cancelAct = cancel
	a.actDone = make(chan error, 1)
	go func() { a.actDone <- a.act.Run(actCtx) }()

	debug.Step(3, "Configuring MLX90393")
	debug.PrintStruct("Sensor config", cfg.Sensor)
	a.dev, err = mlx90393.New(bus, mlx90393.Opts{
		Address:      cfg.SensorAddress(),
		Gain:         mlx90393.Gain(cfg.Sensor.Gain),
		Resolution:   mlx90393.Resolution(cfg.Sensor.Resolution),
		Filter:       byte(cfg.Sensor.Filter),
		Oversampling: byte(cfg.Sensor.Oversampling),
	})
	if err != nil {
		return a, err
	}
	if err := a.dev.ConfigureBurst(mlx90393.AxisXY, byte(cfg.Sensor.BurstRate)); err != nil {
		return a, err
	}
	debug.Value("Conversion delay", a.dev.ConversionDelay())

	debug.Step(4, "Creating controller")
	debug.PrintStruct("Motion config", cfg.Motion)
	a.ctrl = motion.NewController(a.dev, a.act, heading.NewEstimator(cfg.Motion.AnomalyDeg), motion.Config{
		Gain:         cfg.Motion.Gain,
		Tolerance:    cfg.Motion.ToleranceDeg,
		Settle:       cfg.Settle(),
		PollInterval: cfg.PollInterval(),
		FullTravel:   cfg.Motion.FullTravelDeg,
		HomingTarget: cfg.Motion.HomingTargetDeg,
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	metrics.Register(a.registry)

	if path := cfg.Trace.SQLitePath; path != "" {
		debug.Step(5, "Opening trace database")
		if a.store, err = trace.OpenStore(path); err != nil {
			return a, err
		}
	}
	return a, nil
}

// sessionSink fans a session's records out to the database and the web
// clients, whichever are present. A database failure only loses the trace.
func (a *app) sessionSink(kind string, targetDeg float64) trace.Sink {
	var sinks []trace.Sink
	if a.store != nil {
		s, err := a.store.NewSession(kind, targetDeg)
		if err != nil {
			debug.Error(err)
		} else {
			debug.Verbose("Trace session %d", s.Session())
			sinks = append(sinks, s)
		}
	}
	if a.broadcaster != nil {
		sinks = append(sinks, web.NewRecordSink(a.broadcaster, recordsPerBroadcast))
	}
	return trace.Multi(sinks...)
}

// runJob runs one homing or move to completion.
func (a *app) runJob(ctx context.Context, job web.Job) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return errShuttingDown
	}
	a.jobs.Add(1)
	a.mu.Unlock()
	defer a.jobs.Done()

	var (
		res motion.Result
		err error
	)
	switch {
	case job.Home:
		debug.Section("Homing")
		sink := a.sessionSink("home", a.cfg.Motion.HomingTargetDeg)
		defer sink.Close()
		res, err = a.ctrl.Home(ctx, sink)
	case job.Move.Fraction != nil:
		target := *job.Move.Fraction * a.cfg.Motion.FullTravelDeg
		debug.Section(fmt.Sprintf("Move to %.0f%% (%.1f°)", *job.Move.Fraction*100, target))
		sink := a.sessionSink("move", target)
		defer sink.Close()
		res, err = a.ctrl.MoveToFraction(ctx, *job.Move.Fraction, sink)
	case job.Move.TargetDeg != nil:
		debug.Section(fmt.Sprintf("Move to %.1f°", *job.Move.TargetDeg))
		sink := a.sessionSink("move", *job.Move.TargetDeg)
		defer sink.Close()
		res, err = a.ctrl.MoveTo(ctx, a.ctrl.Target(*job.Move.TargetDeg), sink)
	default:
		return errors.New("empty job")
	}
	if err != nil {
		return err
	}
	stats := a.dev.Stats()
	debug.Info("Sensor: %d samples, %d empty, %d retries, %d bus faults",
		stats.Samples, stats.Empty, stats.Retries, stats.BusFaults)
	if a.plant != nil {
		debug.Info("Simulated screw at %.2f°, estimate %.2f°", a.plant.Position(), res.FinalAngle)
	}
	return nil
}

func (a *app) webOptions(ctx context.Context) web.Options {
	return web.Options{
		Context:     ctx,
		Broadcaster: a.broadcaster,
		Run:         a.runJob,
		Stop:        a.act.Stop,
		Status: func() web.Status {
			return web.Status{
				State:       a.ctrl.State().String(),
				PositionDeg: a.ctrl.Position(),
				Busy:        a.ctrl.Busy(),
			}
		},
		Rail: web.RailConfig{
			FullTravelDeg: a.cfg.Motion.FullTravelDeg,
			ToleranceDeg:  a.cfg.Motion.ToleranceDeg,
			SettleMs:      a.cfg.Motion.SettleMs,
			Gain:          a.cfg.Motion.Gain,
		},
		Metrics: metrics.Handler(a.registry),
	}
}

// shutdown stops the actuator synchronously, waits for running jobs, then
// ends the actuator loop and releases the sensor, the bus, the GPIO and
// the store. Jobs must already be cancelled; later ones are refused. Safe
// to call more than once.
func (a *app) shutdown() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closing = true
		a.mu.Unlock()

		if a.act != nil {
			a.act.Stop()
		}
		a.jobs.Wait()
		if a.cancelAct != nil {
			a.cancelAct()
			<-a.actDone
		}
		if a.dev != nil {
			if err := a.dev.Close(); err != nil {
				log.Printf("leaving burst mode failed: %v", err)
			}
		}
		if err := a.closeBus(); err != nil {
			log.Printf("closing I2C bus failed: %v", err)
		}
		if a.gpio != nil {
			if err := a.gpio.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				log.Printf("closing trace database failed: %v", err)
			}
		}
		debug.Info("Shutdown complete")
	})
}
