package effect

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/nnesterov/vrrpd/vrrp"
)

// tableName matches keepalived's default vrrp_nf_table_name, so an
// operator migrating from keepalived sees the same table in `nft list
// ruleset` (grounded on vrrp_nftables.c's global_data->vrrp_nf_table_name
// default).
const tableName = "vrrpd"

// NftFilter implements vrrp.FilterProgrammer with the two-chain,
// one-set-per-family design of vrrp_nftables.c: a "vips" set per family
// holding every VIP currently owned while MASTER, an "in" chain that
// drops inbound traffic addressed to a set member and an "out" chain
// that drops outbound traffic sourced from one. EnterMaster fills the
// set and LeaveMaster empties it, so the rules match only while MASTER;
// accept_mode is not consulted.
//
// Unlike the C original, which emits a stray duplicate "add chain in"
// for IPv6 on top of the IPv4 one, this implementation adds each chain
// exactly once per family and is idempotent under repeated
// EnterMaster/LeaveMaster calls.
type NftFilter struct {
	mu   sync.Mutex
	conn *nftables.Conn

	tables map[vrrp.Family]*nftables.Table
	chains map[chainKey]*nftables.Chain
	sets   map[setKey]*nftables.Set
	rules  map[vrrp.Family]bool
}

type chainKey struct {
	family vrrp.Family
	name   string
}

type setKey struct {
	family vrrp.Family
	name   string
}

// NewNftFilter opens a netlink connection to the nftables subsystem. No
// rules are programmed until the first EnterMaster call.
func NewNftFilter() (*NftFilter, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("effect: nftables connect: %w", err)
	}
	return &NftFilter{
		conn:   conn,
		tables: make(map[vrrp.Family]*nftables.Table),
		chains: make(map[chainKey]*nftables.Chain),
		sets:   make(map[setKey]*nftables.Set),
		rules:  make(map[vrrp.Family]bool),
	}, nil
}

func nftFamily(f vrrp.Family) nftables.TableFamily {
	if f == vrrp.IPv4 {
		return nftables.TableFamilyIPv4
	}
	return nftables.TableFamilyIPv6
}

func (n *NftFilter) table(family vrrp.Family) *nftables.Table {
	if t, ok := n.tables[family]; ok {
		return t
	}
	t := n.conn.AddTable(&nftables.Table{Name: tableName, Family: nftFamily(family)})
	n.tables[family] = t
	return t
}

// ensureChain adds chain name to table once per family, a base filter
// chain on the given hook (input for "in", output for "out"), the
// traffic directions vrrp_nftables.c's "in"/"out" chains cover.
func (n *NftFilter) ensureChain(t *nftables.Table, family vrrp.Family, name string, hook *nftables.ChainHook) *nftables.Chain {
	key := chainKey{family: family, name: name}
	if c, ok := n.chains[key]; ok {
		return c
	}
	policy := nftables.ChainPolicyAccept
	c := n.conn.AddChain(&nftables.Chain{
		Name:     name,
		Table:    t,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hook,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	n.chains[key] = c
	return c
}

func (n *NftFilter) ensureSet(t *nftables.Table, family vrrp.Family, name string) (*nftables.Set, error) {
	key := setKey{family: family, name: name}
	if s, ok := n.sets[key]; ok {
		return s, nil
	}
	keyType := nftables.TypeIPAddr
	if family == vrrp.IPv6 {
		keyType = nftables.TypeIP6Addr
	}
	s := &nftables.Set{
		Table:   t,
		Name:    name,
		KeyType: keyType,
	}
	if err := n.conn.AddSet(s, nil); err != nil {
		return nil, fmt.Errorf("effect: add set %s: %w", name, err)
	}
	n.sets[key] = s
	return s, nil
}

func setElement(family vrrp.Family, addr net.IP) nftables.SetElement {
	if family == vrrp.IPv4 {
		return nftables.SetElement{Key: []byte(addr.To4())}
	}
	return nftables.SetElement{Key: []byte(addr.To16())}
}

// EnterMaster adds the "in"/"out" drop rules (first MASTER transition
// only, per the idempotence fix above) and populates the vips set with
// every VIP of family this instance now owns, so that while MASTER
// inbound packets addressed to those VIPs and outbound packets sourced
// from them are dropped (keepalived's "nf_filtering" behavior).
func (n *NftFilter) EnterMaster(iface *net.Interface, family vrrp.Family, vips []vrrp.VIP) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := n.table(family)
	in := n.ensureChain(t, family, "in", hookPtr(nftables.ChainHookInput))
	out := n.ensureChain(t, family, "out", hookPtr(nftables.ChainHookOutput))
	set, err := n.ensureSet(t, family, "vips")
	if err != nil {
		return err
	}

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("effect: flush table/chain/set setup: %w", err)
	}

	var elems []nftables.SetElement
	for _, v := range vips {
		if family == vrrp.IPv4 && !v.Addr.Is4() {
			continue
		}
		if family == vrrp.IPv6 && !v.Addr.Is6() {
			continue
		}
		elems = append(elems, setElement(family, net.IP(v.Addr.AsSlice())))
	}
	if len(elems) > 0 {
		if err := n.conn.SetAddElements(set, elems); err != nil {
			return fmt.Errorf("effect: populate vips set: %w", err)
		}
	}

	if !n.rules[family] {
		n.addDropRule(t, in, set, false)
		n.addDropRule(t, out, set, true)
		n.rules[family] = true
	}

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("effect: flush vip rules: %w", err)
	}
	return nil
}

// LeaveMaster clears the vips set so the drop rules no longer match:
// the rules and chains stay (idempotent re-use on the next MASTER
// transition), only membership in the set is retracted.
func (n *NftFilter) LeaveMaster(iface *net.Interface, family vrrp.Family, vips []vrrp.VIP) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	set, ok := n.sets[setKey{family: family, name: "vips"}]
	if !ok {
		return nil
	}
	var elems []nftables.SetElement
	for _, v := range vips {
		elems = append(elems, setElement(family, net.IP(v.Addr.AsSlice())))
	}
	if len(elems) > 0 {
		if err := n.conn.SetDeleteElements(set, elems); err != nil {
			return fmt.Errorf("effect: clear vips set: %w", err)
		}
	}
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("effect: flush vip set clear: %w", err)
	}
	return nil
}

func hookPtr(h nftables.ChainHook) *nftables.ChainHook { return &h }

// addDropRule matches matchSource=false against the destination address
// (the "in" chain: inbound traffic addressed to a VIP in the set is
// dropped) and matchSource=true against the source address (the "out"
// chain, vrrp_nftables.c's symmetric rule: outbound traffic sourced from
// a VIP in the set is dropped).
func (n *NftFilter) addDropRule(t *nftables.Table, c *nftables.Chain, set *nftables.Set, matchSource bool) {
	// IPv4 header: saddr at byte 12, daddr at byte 16, both 4 bytes.
	// IPv6 header: saddr at byte 8, daddr at byte 24, both 16 bytes.
	var offset, length uint32
	if t.Family == nftables.TableFamilyIPv4 {
		length = 4
		if matchSource {
			offset = 12
		} else {
			offset = 16
		}
	} else {
		length = 16
		if matchSource {
			offset = 8
		} else {
			offset = 24
		}
	}

	n.conn.AddRule(&nftables.Rule{
		Table: t,
		Chain: c,
		Exprs: []expr.Any{
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       offset,
				Len:          length,
			},
			&expr.Lookup{
				SourceRegister: 1,
				SetName:        set.Name,
				SetID:          set.ID,
			},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	})
}
