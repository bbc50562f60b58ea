// Package discovery locates coordination store endpoints through DNS SRV
// records, so lab hosts only need to know their domain.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// ErrNoEndpoints is returned when the SRV lookup yields no usable target
var ErrNoEndpoints = errors.New("no endpoints discovered")

// Endpoint is one SRV target
type Endpoint struct {
	Host     string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Resolver is the subset of *net.Resolver used for lookups.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// Lookup resolves _service._tcp.domain with the default resolver.
func Lookup(ctx context.Context, service, domain string) ([]Endpoint, error) {
	return LookupWith(ctx, net.DefaultResolver, service, domain)
}

// LookupWith resolves _service._tcp.domain and returns the targets ordered by
// priority ascending, then weight descending, then host name.
func LookupWith(ctx context.Context, r Resolver, service, domain string) ([]Endpoint, error) {
	_, records, err := r.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		return nil, fmt.Errorf("failed to look up _%s._tcp.%s: %w", service, domain, err)
	}

	endpoints := make([]Endpoint, 0, len(records))
	for _, rec := range records {
		host := strings.TrimSuffix(rec.Target, ".")
		if host == "" {
			continue
		}
		endpoints = append(endpoints, Endpoint{
			Host:     host,
			Port:     rec.Port,
			Priority: rec.Priority,
			Weight:   rec.Weight,
		})
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w for _%s._tcp.%s", ErrNoEndpoints, service, domain)
	}

	Sort(endpoints)
	return endpoints, nil
}

// Sort orders endpoints by priority, then heavier weight first, then host.
func Sort(endpoints []Endpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		a, b := endpoints[i], endpoints[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		return a.Host < b.Host
	})
}
