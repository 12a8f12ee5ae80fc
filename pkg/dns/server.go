package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/loomhq/loom/pkg/log"
)

const (
	// DefaultListenAddr is the default edge resolver address.
	DefaultListenAddr = "127.0.0.1:5353"

	// DefaultDomain is the zone served authoritatively: <service>.<tenant>.loom.
	DefaultDomain = "loom"

	// DefaultUpstream is the fallback resolver for queries outside the zone.
	DefaultUpstream = "8.8.8.8:53"

	// answerTTL keeps clients re-resolving quickly; weights move during rollouts.
	answerTTL = 10
)

// Config holds DNS server configuration.
type Config struct {
	ListenAddr string
	Domain     string
	Upstream   []string
}

// Server is the edge resolver. Names inside the zone are answered from the
// route table with one weighted-random region per query; everything else is
// forwarded upstream.
type Server struct {
	table      *RouteTable
	listenAddr string
	domain     string
	upstream   []string

	mu        sync.RWMutex
	dnsServer *dns.Server
	running   bool
}

// NewServer creates a DNS server answering from table.
func NewServer(table *RouteTable, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}
	return &Server{
		table:      table,
		listenAddr: config.ListenAddr,
		domain:     config.Domain,
		upstream:   config.Upstream,
	}
}

// Start binds the UDP listener and serves until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dns server already running")
	}

	pc, err := net.ListenPacket("udp", s.listenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.listenAddr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.dnsServer = &dns.Server{PacketConn: pc, Handler: mux}
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := s.dnsServer.ActivateAndServe(); err != nil {
			logger := log.WithComponent("dns")
			logger.Error().Err(err).Msg("DNS server stopped with error")
		}
	}()

	logger2 := log.WithComponent("dns")
	logger2.Info().
		Str("addr", pc.LocalAddr().String()).
		Str("domain", s.domain).
		Msg("DNS server started")
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.dnsServer.Shutdown()
}

// Addr returns the bound listen address. Useful when started on port 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dnsServer == nil || s.dnsServer.PacketConn == nil {
		return s.listenAddr
	}
	return s.dnsServer.PacketConn.LocalAddr().String()
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		service, tenant, ok := s.splitZoneName(q.Name)
		if !ok {
			s.forward(w, r)
			return
		}

		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeCNAME {
			// Zone name, unsupported type: empty authoritative answer.
			continue
		}

		target, ok := s.table.Pick(service, tenant)
		if !ok {
			msg.Rcode = dns.RcodeNameError
			continue
		}

		fqdn := dns.Fqdn(q.Name)
		if target.IP != nil {
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: answerTTL},
				A:   target.IP,
			})
		} else {
			msg.Answer = append(msg.Answer, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: fqdn, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: answerTTL},
				Target: dns.Fqdn(target.Host),
			})
		}
	}

	if err := w.WriteMsg(msg); err != nil {
		logger3 := log.WithComponent("dns")
		logger3.Error().Err(err).Msg("Failed to write DNS response")
	}
}

// splitZoneName parses "<service>.<tenant>.<domain>." into its parts.
func (s *Server) splitZoneName(name string) (service, tenant string, ok bool) {
	name = strings.TrimSuffix(dns.Fqdn(name), ".")
	suffix := "." + s.domain
	if !strings.HasSuffix(name, suffix) {
		return "", "", false
	}
	rest := strings.TrimSuffix(name, suffix)
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *Server) forward(w dns.ResponseWriter, r *dns.Msg) {
	client := &dns.Client{Net: "udp"}
	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			logger4 := log.WithComponent("dns")
			logger4.Debug().
				Err(err).
				Str("upstream", upstream).
				Msg("Upstream exchange failed")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			logger5 := log.WithComponent("dns")
			logger5.Error().Err(err).Msg("Failed to write forwarded response")
		}
		return
	}

	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	_ = w.WriteMsg(msg)
}
