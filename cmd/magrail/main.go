package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/takama/daemon"

	"github.com/cjeanneret/MagRail/internal/config"
	"github.com/cjeanneret/MagRail/internal/debug"
	"github.com/cjeanneret/MagRail/internal/web"
)

const (
	serviceName        = "magrail"
	serviceDescription = "MagRail linear actuator position controller"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "service" {
		os.Exit(runService(os.Args[2:]))
	}

	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	target := &optionalFloat{}
	flag.Var(target, "target", "move to this cumulative angle in degrees")
	fraction := &optionalFloat{}
	flag.Var(fraction, "fraction", "move to this fraction (0-1) of the full travel")
	home := flag.Bool("home", false, "home against the near-end limit before moving")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	jobs, err := jobsFromFlags(*home, target, fraction, cfg.Motion.FullTravelDeg)
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}
	if len(jobs) == 0 && webPort.port() == 0 {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -home, -target, -fraction or -web")
		flag.Usage()
		os.Exit(2)
	}

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	a, err := start(cfg, broadcaster)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	// Runs on every return path below; the actuator is stopped before
	// anything else is torn down.
	defer a.shutdown()

	if port := webPort.port(); port > 0 {
		srv := web.NewServer(fmt.Sprintf(":%d", port), a.webOptions(ctx))
		if err := srv.Run(ctx); err != nil {
			a.shutdown()
			log.Fatalf("web server: %v", err)
		}
		return
	}

	for _, job := range jobs {
		if err := a.runJob(ctx, job); err != nil {
			a.shutdown()
			if errors.Is(err, context.Canceled) {
				log.Printf("interrupted")
				os.Exit(130)
			}
			log.Fatalf("motion failed: %v", err)
		}
	}
}

// jobsFromFlags turns the CLI flags into an ordered job list: homing first,
// then at most one move.
func jobsFromFlags(home bool, target, fraction *optionalFloat, fullTravel float64) ([]web.Job, error) {
	var jobs []web.Job
	if home {
		jobs = append(jobs, web.Job{Home: true})
	}
	var req web.MoveRequest
	if target.set {
		v := target.val
		req.TargetDeg = &v
	}
	if fraction.set {
		v := fraction.val
		req.Fraction = &v
	}
	if req.TargetDeg == nil && req.Fraction == nil {
		return jobs, nil
	}
	if err := web.ValidateMoveRequest(req, fullTravel); err != nil {
		return nil, err
	}
	return append(jobs, web.Job{Move: req}), nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// optionalFloat is a float flag that remembers whether it was given, so
// that 0 can be a real target.
type optionalFloat struct {
	val float64
	set bool
}

func (f *optionalFloat) String() string {
	if !f.set {
		return ""
	}
	return strconv.FormatFloat(f.val, 'g', -1, 64)
}

func (f *optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("must be finite, got %s", s)
	}
	f.val, f.set = v, true
	return nil
}

// service wraps the system service manager.
type service struct {
	daemon.Daemon
}

// manage runs one service subcommand. Extra arguments after "install"
// become the service's command line, e.g.
// magrail service install -config /etc/magrail/configs/default.yaml -web 8080
func (s *service) manage(args []string) (string, error) {
	usage := "Usage: " + serviceName + " service install [flags] | remove | start | stop | status"
	if len(args) == 0 {
		return usage, nil
	}
	switch args[0] {
	case "install":
		return s.Install(args[1:]...)
	case "remove":
		return s.Remove()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "status":
		return s.Status()
	default:
		return usage, nil
	}
}

func runService(args []string) int {
	d, err := daemon.New(serviceName, serviceDescription, daemon.SystemDaemon)
	if err != nil {
		log.Printf("service: %v", err)
		return 1
	}
	status, err := (&service{d}).manage(args)
	if err != nil {
		log.Printf("%s\nservice: %v", status, err)
		return 1
	}
	fmt.Println(status)
	return 0
}
