// Command flyscan rehearses a raster fly scan: it drives a trajectory
// controller line by line, arms a detector episode per line and logs every
// point's detector record next to its position.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsweb"

	"github.com/banshee-data/flyscan/internal/config"
	"github.com/banshee-data/flyscan/internal/detector"
	"github.com/banshee-data/flyscan/internal/fsutil"
	"github.com/banshee-data/flyscan/internal/hwlink"
	"github.com/banshee-data/flyscan/internal/monitoring"
	"github.com/banshee-data/flyscan/internal/serialmux"
	"github.com/banshee-data/flyscan/internal/trajectory"
	"github.com/banshee-data/flyscan/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a scan configuration JSON file (built-in defaults when empty)")
	points      = flag.Int("points", 20, "Points per line")
	lines       = flag.Int("lines", 3, "Number of lines")
	dwell       = flag.Duration("dwell", 20*time.Millisecond, "Dwell time per point")
	step        = flag.Float64("step", 0.1, "Spacing between points and between lines, in axis units")
	simulate    = flag.Bool("simulate", true, "Use the simulated controller and detector")
	port        = flag.String("port", "", "Motion controller serial port (overrides the config)")
	outDir      = flag.String("out", "", "Detector staging directory (overrides the config)")
	listen      = flag.String("listen", "", "Serve debug endpoints on this address, e.g. localhost:8090")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("flyscan %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.EmptyScanConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadScanConfig(*configFile); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if *port != "" {
		cfg.MotionPort = port
	}
	if *outDir != "" {
		cfg.OutputDir = outDir
	}

	axes := cfg.GetAxes()
	r := raster{
		axes:   trajectory.EnabledAxes(axes),
		points: *points,
		lines:  *lines,
		step:   *step,
		dwell:  *dwell,
	}
	if err := r.validate(); err != nil {
		return fmt.Errorf("invalid scan: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prog := &progress{}
	g, gctx := errgroup.WithContext(ctx)
	scanCtx, scanDone := context.WithCancel(gctx)
	defer scanDone()

	httpMux := http.NewServeMux()
	debug := tsweb.Debugger(httpMux)
	debug.Handle("scan", "current scan progress", http.HandlerFunc(prog.ServeHTTP))

	var (
		ctrl      trajectory.Controller
		det       detector.Detector
		positions = commanded(r.axes)
	)
	if *simulate {
		sim := detector.NewSimDetector(fsutil.OSFileSystem{})
		trig := newSimTrigger(sim, r)
		ctrl = trajectory.NewSimController(trajectory.SimConfig{
			MaxPointsPerBuild: cfg.GetMaxPointsPerBuild(),
			OnPoint:           trig.onPoint,
		})
		det = sim
		positions = trig.positions
	} else {
		motion, err := serialmux.NewRealSerialMux(cfg.GetMotionPort(), cfg.GetSerial())
		if err != nil {
			return fmt.Errorf("open motion controller port %s: %w", cfg.GetMotionPort(), err)
		}
		defer motion.Close()
		detMux := motion
		if cfg.GetDetectorPort() != cfg.GetMotionPort() {
			if detMux, err = serialmux.NewRealSerialMux(cfg.GetDetectorPort(), cfg.GetSerial()); err != nil {
				return fmt.Errorf("open detector port %s: %w", cfg.GetDetectorPort(), err)
			}
			defer detMux.Close()
		}

		for _, m := range uniqueMuxes(motion, detMux) {
			m := m
			g.Go(func() error {
				if err := m.Monitor(scanCtx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("monitor serial port: %w", err)
				}
				return nil
			})
		}

		motion.AttachAdminRoutes(httpMux)
		if detMux != motion {
			detRoutes := http.NewServeMux()
			detMux.AttachAdminRoutes(detRoutes)
			httpMux.Handle("/detector/", http.StripPrefix("/detector", detRoutes))
		}

		linkOpts := []hwlink.Option{
			hwlink.WithRequestTimeout(cfg.GetRequestTimeout()),
			hwlink.WithRateLimit(cfg.GetLinkRate(), cfg.GetLinkBurst()),
		}
		ctrl = trajectory.NewHardwareController(hwlink.NewSerialLink(motion, linkOpts...), trajectory.HardwareConfig{
			MaxPointsPerBuild: cfg.GetMaxPointsPerBuild(),
			PollInterval:      cfg.GetPollInterval(),
		})
		det = detector.NewSerialDetector(hwlink.NewSerialLink(detMux, linkOpts...))
	}

	adapter := detector.NewAdapter[[]float64](det, detector.LinesLoader[[]float64]{Parse: detector.ParseFields},
		detector.NewCounter(cfg.GetRun()), detector.Config{
			Dir:          cfg.GetOutputDir(),
			Ext:          cfg.GetFileExt(),
			PerPointTime: r.dwell + cfg.GetPerPointSlack(),
			Margin:       cfg.GetFileMargin(),
			PollInterval: cfg.GetPollInterval(),
			ChunkSize:    cfg.GetChunkSize(),
		})

	s := &scanner{
		ctrl:      ctrl,
		adapter:   adapter,
		raster:    r,
		wait:      trajectory.WaitOptions{Interval: cfg.GetPollInterval(), OnProgress: prog.observe},
		margin:    cfg.GetExecuteMargin(),
		chunk:     cfg.GetChunkSize(),
		positions: positions,
		log:       monitoring.Component("flyscan"),
	}

	scanID := uuid.New()
	g.Go(func() error {
		defer scanDone()
		log.Printf("scan %s: %d lines of %d points on %v, staging in %s", scanID, r.lines, r.points, r.axes, cfg.GetOutputDir())
		if err := ctrl.ConfigureAxes(scanCtx, axes); err != nil {
			return fmt.Errorf("configure axes: %w", err)
		}
		err := s.run(scanCtx, func(smp sample) {
			prog.record(smp)
			log.Printf("line %d point %d position=%v record=%v", smp.Line, smp.Point, smp.Position, smp.Record)
		})
		if err != nil {
			return err
		}
		log.Printf("scan %s complete: %d points", scanID, r.lines*r.points)
		return nil
	})

	if *listen != "" {
		g.Go(func() error {
			return serve(gctx, scanCtx, *listen, httpMux)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("scan %s: %w", scanID, err)
	}
	return nil
}

// serve runs the debug server until ctx is done. Once the scan finishes it
// keeps serving until interrupted so results stay inspectable.
func serve(ctx, scanCtx context.Context, addr string, h http.Handler) error {
	server := &http.Server{Addr: addr, Handler: h}
	errc := make(chan error, 1)
	go func() {
		log.Printf("debug server listening on %s", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("debug server: %w", err)
	case <-ctx.Done():
	case <-scanCtx.Done():
		if ctx.Err() == nil {
			log.Print("scan finished; debug server stays up until interrupted")
			select {
			case err := <-errc:
				return fmt.Errorf("debug server: %w", err)
			case <-ctx.Done():
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("debug server force close error: %v", err)
		}
	}
	return nil
}

func uniqueMuxes(ms ...serialmux.SerialMuxInterface) []serialmux.SerialMuxInterface {
	var out []serialmux.SerialMuxInterface
	for _, m := range ms {
		dup := false
		for _, o := range out {
			if o == m {
				dup = true
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}

// progress is the state served on the debug page.
type progress struct {
	mu       sync.Mutex
	status   string
	percent  float64
	line     int
	resolved int
}

func (p *progress) observe(st trajectory.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.percent = st.String(), st.Percent
}

func (p *progress) record(s sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.line = s.Line
	p.resolved++
}

func (p *progress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	snap := map[string]interface{}{
		"status":   p.status,
		"percent":  p.percent,
		"line":     p.line,
		"resolved": p.resolved,
	}
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("encode progress: %v", err)
	}
}
