// Package accesslist restricts which clients may query the server.
package accesslist

import (
	"net"
	"net/netip"

	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// AccessList type
type AccessList struct {
	ranger cidranger.Ranger
	empty  bool
}

// New return accesslist. An empty list allows every client.
func New(cfg *config.Config) *AccessList {
	a := new(AccessList)
	a.ranger = cidranger.NewPCTrieRanger()
	a.empty = true

	for _, cidr := range cfg.AccessList {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			zlog.Error("Access list parse cidr failed", "cidr", cidr, "error", err.Error())
			continue
		}

		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			zlog.Error("Access list insert failed", "cidr", cidr, "error", err.Error())
			continue
		}
		a.empty = false
	}

	return a
}

// Allowed reports whether addr may query.
func (a *AccessList) Allowed(addr netip.Addr) bool {
	if a.empty {
		return true
	}

	allowed, err := a.ranger.Contains(net.IP(addr.Unmap().AsSlice()))
	if err != nil {
		return false
	}

	return allowed
}
