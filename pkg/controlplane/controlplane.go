package controlplane

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/loomhq/loom/pkg/budget"
	"github.com/loomhq/loom/pkg/builder"
	"github.com/loomhq/loom/pkg/buildqueue"
	"github.com/loomhq/loom/pkg/cluster"
	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/dns"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/healthgate"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/metrics"
	"github.com/loomhq/loom/pkg/multiregion"
	"github.com/loomhq/loom/pkg/orchestrator"
	"github.com/loomhq/loom/pkg/reconciler"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/traffic"
	"github.com/loomhq/loom/pkg/webhook"
)

// Daemon is the control-plane process: it owns the store, the event bus, and
// the raft elector, and runs the control loops while this node leads.
type Daemon struct {
	cfg *config.Config

	store   storage.Store
	bus     *events.Bus
	elector *cluster.Elector
	gw      orchestrator.Gateway
	caps    *RuntimeCaps
	gate    *budget.Gate
	queue   *buildqueue.Queue

	collector *metrics.Collector
	httpSrv   *http.Server
	httpLn    net.Listener

	dnsTable      *dns.RouteTable
	dnsServer     *dns.Server
	regionStores  []storage.Store
	regionClients []namedRegion

	mu     sync.Mutex
	leader *leaderLoops

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// leaderLoops bundles the components that run only on the raft leader. They
// are built fresh on every leadership gain; their stop channels are one-shot.
type leaderLoops struct {
	rec        *reconciler.Manager
	executor   *builder.Executor
	dispatcher *webhook.Dispatcher
	meter      *budget.Collector
	regions    *multiregion.Manager
	janitor    *janitor
}

// New wires the daemon from configuration. No goroutines run until Start.
func New(cfg *config.Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	metrics.SetComponent("store", true, "")

	bus := events.NewBus(store)

	gw, err := newGateway(cfg.Orchestrator)
	if err != nil {
		store.Close()
		return nil, err
	}

	caps := NewRuntimeCaps(cfg.Budget)
	gate := budget.NewGate(store, bus, caps, nil)

	queue := buildqueue.New(store, bus, buildqueue.Config{
		GlobalConcurrency: cfg.Builds.GlobalConcurrency,
		TenantConcurrency: cfg.Builds.TenantConcurrency,
		MaxAttempts:       cfg.Builds.MaxAttempts,
	})

	elector, err := cluster.New(cluster.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.Cluster.BindAddr,
		DataDir:  filepath.Join(cfg.DataDir, "raft"),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create elector: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		elector: elector,
		gw:      gw,
		caps:    caps,
		gate:    gate,
		queue:   queue,
		stopCh:  make(chan struct{}),
	}

	if len(cfg.Regions) > 0 {
		if err := d.wireRegions(cfg); err != nil {
			d.closeStores()
			return nil, err
		}
	}

	d.collector = metrics.NewCollector(store, bus, elector, 15*time.Second)
	return d, nil
}

// newGateway builds the cluster-manager adapter, wrapped in the short-TTL
// status cache.
func newGateway(cfg config.Orchestrator) (orchestrator.Gateway, error) {
	var gw orchestrator.Gateway
	switch cfg.Mode {
	case "kubernetes":
		var restCfg *rest.Config
		var err error
		if cfg.Kubeconfig != "" {
			restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		} else {
			restCfg, err = rest.InClusterConfig()
		}
		if err != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		gw = orchestrator.NewKube(client)
	default:
		gw = orchestrator.NewFake()
	}

	if cfg.CacheTTL > 0 {
		gw = orchestrator.NewCached(gw, cfg.CacheTTL)
	}
	return gw, nil
}

// wireRegions opens each region's store-backed client and the DNS route table
// the multi-region reconciler programs.
func (d *Daemon) wireRegions(cfg *config.Config) error {
	d.dnsTable = dns.NewRouteTable()

	for _, r := range cfg.Regions {
		dir := r.DataDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "regions", r.Name)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("region %s: create data directory: %w", r.Name, err)
		}
		regionStore, err := storage.NewBoltStore(dir)
		if err != nil {
			return fmt.Errorf("region %s: open store: %w", r.Name, err)
		}
		d.regionStores = append(d.regionStores, regionStore)
		d.regionClients = append(d.regionClients, namedRegion{
			name:   r.Name,
			client: &multiregion.StoreRegion{Store: regionStore, URL: r.Endpoint},
		})
		d.dnsTable.SetRegion(r.Name, endpointHost(r.Endpoint))
	}

	d.dnsServer = dns.NewServer(d.dnsTable, &dns.Config{
		ListenAddr: cfg.DNS.ListenAddr,
		Upstream:   cfg.DNS.Upstream,
	})
	return nil
}

// namedRegion pairs a region name with its client; the slice keeps config
// order for deterministic wiring.
type namedRegion struct {
	name   string
	client multiregion.RegionClient
}

func (d *Daemon) regionClientMap() map[string]multiregion.RegionClient {
	out := make(map[string]multiregion.RegionClient, len(d.regionClients))
	for _, r := range d.regionClients {
		out[r.name] = r.client
	}
	return out
}

// endpointHost extracts the DNS answer target from a region endpoint URL.
func endpointHost(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return endpoint
	}
	return u.Hostname()
}

// Start launches the always-on pieces and begins watching leadership. Control
// loops start when this node wins the election.
func (d *Daemon) Start() error {
	d.bus.Start()
	d.collector.Start()

	if err := d.startHTTP(); err != nil {
		return err
	}

	if d.dnsServer != nil {
		if err := d.dnsServer.Start(); err != nil {
			return fmt.Errorf("start dns: %w", err)
		}
	}

	if d.cfg.Cluster.Bootstrap {
		if err := d.elector.Bootstrap(); err != nil {
			logger := log.WithComponent("controlplane")
			logger.Warn().Err(err).
				Msg("Bootstrap failed, assuming existing raft state")
		}
	}
	metrics.SetComponent("cluster", true, "")

	d.wg.Add(1)
	go d.watchLeadership()

	logger2 := log.WithComponent("controlplane")
	logger2.Info().
		Str("node", d.cfg.NodeID).
		Str("http", d.HTTPAddr()).
		Msg("Control plane started")
	return nil
}

func (d *Daemon) startHTTP() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())

	ln, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.HTTP.Addr, err)
	}
	d.httpLn = ln
	d.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger3 := log.WithComponent("controlplane")
			logger3.Error().Err(err).Msg("HTTP server stopped with error")
		}
	}()
	return nil
}

// HTTPAddr returns the bound HTTP listen address.
func (d *Daemon) HTTPAddr() string {
	if d.httpLn == nil {
		return d.cfg.HTTP.Addr
	}
	return d.httpLn.Addr().String()
}

// watchLeadership starts the control loops on gaining leadership and stops
// them on losing it.
func (d *Daemon) watchLeadership() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case isLeader, ok := <-d.elector.LeadershipChanges():
			if !ok {
				return
			}
			if isLeader {
				d.startLeaderLoops()
			} else {
				d.stopLeaderLoops()
			}
		}
	}
}

// startLeaderLoops constructs and starts the leader-only components. Fresh
// instances each time: their stop channels are not reusable.
func (d *Daemon) startLeaderLoops() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leader != nil {
		return
	}
	cfg := d.cfg

	var provider healthgate.MetricsProvider
	if cfg.Metrics.PrometheusURL != "" {
		p, err := healthgate.NewPromProvider(cfg.Metrics.PrometheusURL)
		if err != nil {
			logger4 := log.WithComponent("controlplane")
			logger4.Error().Err(err).
				Msg("Prometheus provider unavailable, health gates will report unknown")
		} else {
			provider = p
		}
	}

	rec := reconciler.New(d.store, d.gw, traffic.NewSplitter(d.gw),
		healthgate.NewEvaluator(provider), d.gate, d.bus, cfg.NodeID,
		reconciler.Config{
			TickInterval: cfg.Reconcile.TickInterval,
			LeaseTTL:     cfg.Reconcile.LeaseTTL,
			Parallelism:  cfg.Reconcile.Parallelism,
		})
	rec.SetImageResolver(builder.NewRegistryResolver())

	executor := builder.New(d.queue,
		builder.NewArchiveBuilder(builder.NewArchiveFetcher(2*time.Minute), nil),
		builder.NewRegistryPusher(cfg.Builds.Registry),
		d.bus,
		builder.Config{
			Workers:  cfg.Builds.Workers,
			LeaseTTL: cfg.Builds.LeaseTTL,
		})

	loops := &leaderLoops{
		rec:        rec,
		executor:   executor,
		dispatcher: webhook.NewDispatcher(d.store, d.bus, cfg.Webhooks.PollInterval),
		meter:      budget.NewCollector(d.store, d.gate, d.gw, nil, cfg.Budget.MeterInterval),
		janitor:    newJanitor(d.store, cfg.Retention),
	}
	if d.dnsTable != nil {
		loops.regions = multiregion.New(d.dnsTable, d.regionClientMap(), multiregion.Config{})
	}

	loops.rec.Start()
	loops.executor.Start()
	loops.dispatcher.Start()
	loops.meter.Start()
	loops.janitor.Start()
	if loops.regions != nil {
		loops.regions.Start()
	}
	d.leader = loops

	logger5 := log.WithComponent("controlplane")
	logger5.Info().Msg("Leadership gained, control loops started")
}

func (d *Daemon) stopLeaderLoops() {
	d.mu.Lock()
	loops := d.leader
	d.leader = nil
	d.mu.Unlock()
	if loops == nil {
		return
	}

	if loops.regions != nil {
		loops.regions.Stop()
	}
	loops.janitor.Stop()
	loops.meter.Stop()
	loops.dispatcher.Stop()
	loops.executor.Stop()
	loops.rec.Stop()

	logger6 := log.WithComponent("controlplane")
	logger6.Info().Msg("Leadership lost, control loops stopped")
}

// IsLeader reports whether this node currently leads the cluster.
func (d *Daemon) IsLeader() bool {
	return d.elector.IsLeader()
}

// ApplyPlacement forwards a multi-region placement to the reconciler. Only
// valid on the leader while regions are configured.
func (d *Daemon) ApplyPlacement(ctx context.Context, p multiregion.Placement) error {
	d.mu.Lock()
	loops := d.leader
	d.mu.Unlock()
	if loops == nil || loops.regions == nil {
		return fmt.Errorf("placements require leadership and configured regions")
	}
	return loops.regions.Apply(ctx, p)
}

// ApplyConfig applies the hot-reloadable subset of a new configuration.
// Structural settings (addresses, data directories, region set) need a
// restart; loop cadences are picked up on the next leadership cycle.
func (d *Daemon) ApplyConfig(cfg *config.Config) {
	d.caps.Update(cfg.Budget)
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: !cfg.Log.Pretty})

	d.mu.Lock()
	d.cfg.Reconcile = cfg.Reconcile
	d.cfg.Budget = cfg.Budget
	d.cfg.Webhooks = cfg.Webhooks
	d.cfg.Retention = cfg.Retention
	d.mu.Unlock()

	logger7 := log.WithComponent("controlplane")
	logger7.Info().Msg("Configuration reloaded")
}

// Shutdown stops everything in reverse dependency order.
func (d *Daemon) Shutdown() error {
	close(d.stopCh)
	d.stopLeaderLoops()

	if d.dnsServer != nil {
		if err := d.dnsServer.Stop(); err != nil {
			logger8 := log.WithComponent("controlplane")
			logger8.Warn().Err(err).Msg("DNS server stop failed")
		}
	}

	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.httpSrv.Shutdown(ctx); err != nil {
			logger9 := log.WithComponent("controlplane")
			logger9.Warn().Err(err).Msg("HTTP shutdown failed")
		}
		cancel()
	}

	d.collector.Stop()
	d.bus.Stop()
	d.wg.Wait()

	if err := d.elector.Shutdown(); err != nil {
		logger10 := log.WithComponent("controlplane")
		logger10.Warn().Err(err).Msg("Raft shutdown failed")
	}

	return d.closeStores()
}

func (d *Daemon) closeStores() error {
	for _, s := range d.regionStores {
		if err := s.Close(); err != nil {
			logger11 := log.WithComponent("controlplane")
			logger11.Warn().Err(err).Msg("Region store close failed")
		}
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
