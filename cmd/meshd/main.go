// Command meshd wires a single internal/stack.Stack end to end: it
// loads (or bootstraps) a device identity, opens the configured UDP/TCP
// listeners, optionally attaches a Redis-backed device cache, serves a
// bare /healthz endpoint, and blocks on SIGINT/SIGTERM before shutting
// the stack down. Flag shape follows the teacher's cmd/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/TerryTreepool/block-sub002/internal/crypto"
	"github.com/TerryTreepool/block-sub002/internal/desc"
	"github.com/TerryTreepool/block-sub002/internal/devicecache"
	"github.com/TerryTreepool/block-sub002/internal/netio"
	"github.com/TerryTreepool/block-sub002/internal/objectid"
	"github.com/TerryTreepool/block-sub002/internal/stack"
	"github.com/TerryTreepool/block-sub002/pkg/config"
	"github.com/TerryTreepool/block-sub002/pkg/database"
	"github.com/TerryTreepool/block-sub002/pkg/health"
	"github.com/TerryTreepool/block-sub002/pkg/logger"
)

var (
	udpAddr     = flag.String("udp", ":4500", "UDP address the stack's primary interface listens on")
	tcpAddr     = flag.String("tcp", "", "TCP address to also listen on (disabled if empty)")
	descPath    = flag.String("desc", "meshd.desc", "path to this process's descriptor file")
	keyPath     = flag.String("key", "meshd.key", "path to this process's private key file")
	healthAddr  = flag.String("health", ":8090", "address the /healthz endpoint listens on")
	redisAddr   = flag.String("redis", "", "host:port of a Redis outer device-cache resolver (disabled if empty)")
	redisPass   = flag.String("redis-password", "", "Redis AUTH password")
	minerRole   = flag.Bool("miner", false, "enable the STUN/Call miner role on this process")
	serviceName = "meshd"
	version     = "1.0.0"
)

func main() {
	flag.Parse()
	log := logger.New(serviceName, version)

	priv, d, id, err := loadOrCreateIdentity(*keyPath, *descPath)
	if err != nil {
		log.Fatalf("failed to load identity: %v", err)
	}
	log.Infof("local object id: %s", id.String())

	cfgStore := config.New()
	cfgStore.Update(map[string]string{"transport.mtu": strconv.Itoa(defaultMTU)})
	tcfg := config.LoadTransportConfig(cfgStore)

	udpIface, err := stack.ListenUDP(*udpAddr, tcfg.MTU)
	if err != nil {
		log.Fatalf("failed to listen on udp %s: %v", *udpAddr, err)
	}
	defer udpIface.Close()
	d.Endpoints = append(d.Endpoints, udpIface.LocalEndpoint())

	var outer devicecache.OuterResolver
	if *redisAddr != "" {
		host, portStr, splitErr := net.SplitHostPort(*redisAddr)
		if splitErr != nil {
			log.Fatalf("invalid -redis address %q: %v", *redisAddr, splitErr)
		}
		if _, convErr := strconv.Atoi(portStr); convErr != nil {
			log.Fatalf("invalid -redis port %q: %v", portStr, convErr)
		}
		cfgStore.Update(map[string]string{
			"redis.host":     host,
			"redis.port":     portStr,
			"redis.password": *redisPass,
		})
		rcfg := database.RedisFromGlobalConfig(cfgStore)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, redisErr := database.NewRedis(ctx, rcfg)
		cancel()
		if redisErr != nil {
			log.Fatalf("failed to connect to redis %s: %v", *redisAddr, redisErr)
		}
		defer redisClient.Close()
		outer = devicecache.NewRedisResolver(redisClient)
		log.Infof("device cache backed by redis at %s", *redisAddr)
	}

	s := stack.New(id, priv, d, udpIface, outer, tcfg, log)
	if *minerRole {
		s.EnableMinerRole()
		log.Info("miner role enabled")
	}

	var tcpListener *netio.TCPListener
	if *tcpAddr != "" {
		resolved, resolveErr := net.ResolveTCPAddr("tcp", *tcpAddr)
		if resolveErr != nil {
			log.Fatalf("invalid -tcp address %q: %v", *tcpAddr, resolveErr)
		}
		tcpListener, err = netio.ListenTCP(resolved, tcfg.MTU*tcfg.MaxFragments)
		if err != nil {
			log.Fatalf("failed to listen on tcp %s: %v", *tcpAddr, err)
		}
		defer tcpListener.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		log.Fatalf("failed to start stack: %v", err)
	}

	go pumpUDP(ctx, log, s, udpIface)
	if tcpListener != nil {
		go acceptTCP(ctx, log, s, tcpListener)
	}

	healthSrv := startHealthServer(*healthAddr, s.Health())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		log.Errorf("error stopping stack: %v", err)
	}
	_ = healthSrv.Shutdown(stopCtx)
}

const defaultMTU = 1472

func pumpUDP(ctx context.Context, log *logger.Logger, s *stack.Stack, iface *netio.UDPInterface) {
	for {
		from, data, err := iface.RecvPackage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("udp recv error: %v", err)
			continue
		}
		if err := s.OnUDPPackage(ctx, iface, data, from); err != nil {
			log.Debugf("udp package handling error: %v", err)
		}
	}
}

func acceptTCP(ctx context.Context, log *logger.Logger, s *stack.Stack, listener *netio.TCPListener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnf("tcp accept error: %v", err)
			continue
		}
		go pumpTCP(ctx, log, s, conn)
	}
}

func pumpTCP(ctx context.Context, log *logger.Logger, s *stack.Stack, iface *netio.TCPInterface) {
	defer iface.Close()
	for {
		_, data, err := iface.RecvPackage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			return
		}
		if err := s.OnTCPPackage(ctx, iface, data); err != nil {
			log.Debugf("tcp package handling error: %v", err)
		}
	}
}

// startHealthServer serves a single-endpoint status surface. Grounded on
// SPEC_FULL.md §6.1's note that no admin plane is mandated beyond a bare
// net/http /healthz handler backed by pkg/health.Checker.
func startHealthServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := checker.GetOverallStatus()
		if status != health.StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, "status: %s\n", status)
		for _, check := range checker.GetAllChecks() {
			fmt.Fprintf(w, "  %s: %s\n", check.Name, check.Status)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// loadOrCreateIdentity reads the `.key`/`.desc` envelope pair at the
// given paths via internal/desc's loader, or mints a fresh RSA-1024
// device identity and persists it in that same envelope format if
// either file is absent — a development bootstrap convenience, not a
// production provisioning flow.
func loadOrCreateIdentity(keyPath, descPath string) (*crypto.PrivateKey, *desc.Descriptor, objectid.ID, error) {
	if priv, err := desc.LoadPrivateKey(keyPath); err == nil {
		if d, err := desc.LoadDescriptor(descPath); err == nil {
			id, err := d.ID()
			if err != nil {
				return nil, nil, objectid.ID{}, err
			}
			return priv, d, id, nil
		}
	}

	priv, err := crypto.GenerateKey(crypto.Rsa1024)
	if err != nil {
		return nil, nil, objectid.ID{}, err
	}
	d := &desc.Descriptor{
		Type:          objectid.Device,
		PublicKeyType: priv.Type,
		PublicKeyDER:  crypto.MarshalPublicKeyDER(priv.Public()),
		CreatedAt:     uint64(time.Now().Unix()),
	}
	id, err := d.ID()
	if err != nil {
		return nil, nil, objectid.ID{}, err
	}

	if err := os.WriteFile(keyPath, desc.MarshalPrivateKey(priv), 0o600); err != nil {
		return nil, nil, objectid.ID{}, err
	}
	descBytes, err := desc.MarshalDescriptor(d)
	if err != nil {
		return nil, nil, objectid.ID{}, err
	}
	if err := os.WriteFile(descPath, descBytes, 0o644); err != nil {
		return nil, nil, objectid.ID{}, err
	}

	return priv, d, id, nil
}
