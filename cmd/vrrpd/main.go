// Command vrrpd is the core VRRP daemon (spec.md §1): it loads a set of
// instance configurations, runs the event loop, and reacts to SIGHUP
// (reload) and SIGTERM/SIGINT (graceful shutdown), per spec.md §6's
// control surfaces.
package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"github.com/nnesterov/vrrpd/internal/effect"
	"github.com/nnesterov/vrrpd/internal/loop"
	"github.com/nnesterov/vrrpd/internal/netlinkmgr"
	"github.com/nnesterov/vrrpd/internal/track"
	"github.com/nnesterov/vrrpd/vrrp"
)

var (
	app = kingpin.New("vrrpd", "VRRP high-availability failover daemon")

	flagInterface  = app.Flag("interface", "network interface to run on").Short('i').Required().String()
	flagVRID       = app.Flag("vrid", "virtual router id, 1-255").Short('r').Required().Uint8()
	flagPriority   = app.Flag("priority", "base priority, 1-254 (255 reserved for the address owner)").Short('p').Default("100").Uint8()
	flagVIPs       = app.Flag("vip", "virtual IP address, CIDR notation; repeatable").Short('v').Strings()
	flagVersion    = app.Flag("vrrp-version", "VRRP protocol version, 2 or 3").Default("3").Int()
	flagInterval   = app.Flag("advert-interval", "advertisement interval").Default("1s").Duration()
	flagPreempt    = app.Flag("preempt", "allow preemption of a lower-priority master").Default("true").Bool()
	flagName       = app.Flag("name", "instance name, for logs/notify scripts/dumps").String()
	flagNotify     = app.Flag("notify", "script invoked on every state transition").String()
	flagStatsFile  = app.Flag("stats-file", "path written on a stats dump request").Default("/tmp/vrrpd.stats").String()
	flagStateFile  = app.Flag("state-file", "path written on a state dump request").Default("/tmp/vrrpd.data").String()
	flagLogLevel   = app.Flag("log-level", "logrus level").Default("info").String()

	flagTrackIface       = app.Flag("track-interface", "secondary interface whose state feeds the priority tracker").String()
	flagTrackIfaceWeight = app.Flag("track-interface-weight", "priority penalty applied while --track-interface is down").Default("10").Int()

	flagTrackScript         = app.Flag("track-script", "script periodically run for a priority tracker; exit 0 is healthy").String()
	flagTrackScriptWeight   = app.Flag("track-script-weight", "priority penalty applied while --track-script fails").Default("10").Int()
	flagTrackScriptInterval = app.Flag("track-script-interval", "how often --track-script runs").Default("5s").Duration()
	flagTrackScriptTimeout  = app.Flag("track-script-timeout", "kill --track-script if it runs longer than this").Default("2s").Duration()
)

func main() {
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if lvl, err := logrus.ParseLevel(*flagLogLevel); err == nil {
		l := logrus.New()
		l.SetLevel(lvl)
		vrrp.SetLogger(l)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vrrpd:", err)
		os.Exit(1)
	}
}

func run() error {
	iface, err := net.InterfaceByName(*flagInterface)
	if err != nil {
		return fmt.Errorf("interface %q: %w", *flagInterface, err)
	}

	lp, err := loop.New(logrus.StandardLogger())
	if err != nil {
		return fmt.Errorf("event loop init: %w", err)
	}

	nl := netlinkmgr.New(lp, logrus.StandardLogger())
	if err := nl.Start(); err != nil {
		return fmt.Errorf("netlink listener: %w", err)
	}
	defer nl.Close()

	prog := effect.NewNetlinkAddressProgrammer(nl)
	ann := effect.NewArpNdpAnnouncer()
	defer ann.Close()

	var filter vrrp.FilterProgrammer
	if nft, err := effect.NewNftFilter(); err != nil {
		logrus.WithError(err).Warn("nftables unavailable, running without the vrrpd blackhole filter")
	} else {
		filter = nft
	}

	engine := vrrp.NewEngine(lp, prog, ann, filter)
	engine.AttachNetlink(nl)
	if *flagNotify != "" {
		engine.SetNotifyScript(*flagNotify)
	}

	cfg, err := buildConfig(iface)
	if err != nil {
		return err
	}

	lp.Post(func() {
		inst, err := engine.AddInstance(cfg, "")
		if err != nil {
			logrus.WithError(err).Error("failed to start instance")
			return
		}
		if err := wireTrackers(lp, nl, inst); err != nil {
			logrus.WithError(err).Error("tracker setup failed")
		}
	})

	sig := make(chan os.Signal, 4)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
	go watchSignals(sig, lp, engine, iface)

	go lp.Run()
	lp.Wait()
	return nil
}

func watchSignals(sig <-chan os.Signal, lp *loop.Loop, engine *vrrp.Engine, iface *net.Interface) {
	for s := range sig {
		switch s {
		case syscall.SIGHUP:
			lp.Post(func() {
				cfg, err := buildConfig(iface)
				if err != nil {
					logrus.WithError(err).Error("reload: invalid configuration, keeping running instances")
					return
				}
				if err := engine.Reconcile([]vrrp.InstanceConfig{cfg}); err != nil {
					logrus.WithError(err).Error("reload failed")
				}
			})
		case syscall.SIGUSR1:
			lp.Post(func() { dumpStats(engine) })
		case syscall.SIGUSR2:
			lp.Post(func() { dumpState(engine) })
		case syscall.SIGTERM, syscall.SIGINT:
			done := make(chan struct{})
			lp.Post(func() {
				engine.Shutdown()
				close(done)
			})
			select {
			case <-done:
			case <-time.After(2 * time.Second):
			}
			lp.Stop()
			return
		}
	}
}

func dumpStats(engine *vrrp.Engine) {
	f, err := os.Create(*flagStatsFile)
	if err != nil {
		logrus.WithError(err).Error("stats dump: cannot create file")
		return
	}
	defer f.Close()
	if err := engine.WriteStats(f); err != nil {
		logrus.WithError(err).Error("stats dump failed")
	}
}

func dumpState(engine *vrrp.Engine) {
	f, err := os.Create(*flagStateFile)
	if err != nil {
		logrus.WithError(err).Error("state dump: cannot create file")
		return
	}
	defer f.Close()
	if err := engine.WriteState(f); err != nil {
		logrus.WithError(err).Error("state dump failed")
	}
}

func buildConfig(iface *net.Interface) (vrrp.InstanceConfig, error) {
	version := vrrp.V3
	if *flagVersion == 2 {
		version = vrrp.V2
	}

	var vips []vrrp.VIP
	for _, spec := range *flagVIPs {
		v, err := parseVIP(spec)
		if err != nil {
			return vrrp.InstanceConfig{}, err
		}
		vips = append(vips, v)
	}

	name := *flagName
	if name == "" {
		name = fmt.Sprintf("%s-%d", *flagInterface, *flagVRID)
	}

	srcIP, err := preferredSourceIP(iface, version)
	if err != nil {
		return vrrp.InstanceConfig{}, err
	}

	return vrrp.InstanceConfig{
		Name:              name,
		VRID:              *flagVRID,
		Version:           version,
		Family:            familyOf(version, srcIP),
		Interface:         iface,
		PreferredSourceIP: srcIP,
		BasePriority:      *flagPriority,
		AdvertInterval:    *flagInterval,
		Preempt:           *flagPreempt,
		VIPs:              vips,
	}, nil
}

// wireTrackers builds component F (spec.md §4.6) for inst from the
// --track-* flags and attaches it via a track.Tracker that delivers
// recomputed priority through inst.ApplyTrackerPriority. A no-op if
// neither tracker flag is set.
func wireTrackers(lp *loop.Loop, nl *netlinkmgr.Manager, inst *vrrp.Instance) error {
	var cfgs []track.TrackerConfig

	if *flagTrackIface != "" {
		ifc, err := net.InterfaceByName(*flagTrackIface)
		if err != nil {
			return fmt.Errorf("track-interface %q: %w", *flagTrackIface, err)
		}
		cfgs = append(cfgs, track.TrackerConfig{
			Kind:    track.KindInterface,
			ID:      "interface:" + ifc.Name,
			Weight:  *flagTrackIfaceWeight,
			IfIndex: ifc.Index,
		})
	}

	if *flagTrackScript != "" {
		cfgs = append(cfgs, track.TrackerConfig{
			Kind:     track.KindScript,
			ID:       "script:" + *flagTrackScript,
			Weight:   *flagTrackScriptWeight,
			Cmd:      *flagTrackScript,
			Timeout:  *flagTrackScriptTimeout,
			Interval: *flagTrackScriptInterval,
		})
	}

	if len(cfgs) == 0 {
		return nil
	}

	conditions, err := track.BuildConditions(lp, nl, cfgs)
	if err != nil {
		return err
	}
	track.NewTracker(lp, inst.BasePriority(), conditions, inst.ApplyTrackerPriority)
	return nil
}

func familyOf(version vrrp.Version, srcIP net.IP) vrrp.Family {
	if srcIP.To4() != nil {
		return vrrp.IPv4
	}
	return vrrp.IPv6
}

func preferredSourceIP(iface *net.Interface, version vrrp.Version) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("addresses on %s: %w", iface.Name, err)
	}
	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a.String())
		if err != nil {
			continue
		}
		if ip.To4() != nil && ip.IsGlobalUnicast() {
			return ip, nil
		}
	}
	for _, a := range addrs {
		ip, _, err := net.ParseCIDR(a.String())
		if err != nil {
			continue
		}
		if ip.To4() == nil && ip.IsLinkLocalUnicast() {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("no usable source address on %s", iface.Name)
}

func parseVIP(spec string) (vrrp.VIP, error) {
	parts := strings.SplitN(spec, "/", 2)
	ip, err := netip.ParseAddr(parts[0])
	if err != nil {
		return vrrp.VIP{}, fmt.Errorf("invalid vip %q: %w", spec, err)
	}
	prefix := 32
	if ip.Is6() {
		prefix = 128
	}
	if len(parts) == 2 {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return vrrp.VIP{}, fmt.Errorf("invalid vip prefix %q: %w", spec, err)
		}
		prefix = n
	}
	return vrrp.VIP{Addr: ip, PrefixLen: prefix}, nil
}
