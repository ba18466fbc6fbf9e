package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"roomshare/signaling"
)

// ProbeTimeout is the hard upper bound for a connectivity test.
const ProbeTimeout = 10 * time.Second

// ProbeOptions configures a connectivity test.
type ProbeOptions struct {
	// Signaling provides the dial-back probe and the relay. Without it only
	// the local listen check runs.
	Signaling *signaling.Client
	// AdvertiseHost overrides the host announced for the dial-back check.
	// Empty uses the address the signaling server observed for us.
	AdvertiseHost string
}

// ConnectivityReport summarizes which inbound paths worked.
type ConnectivityReport struct {
	ListenOK   bool
	ListenAddr string

	DirectChecked   bool
	DirectReachable bool
	DirectError     string

	RelayChecked bool
	RelayOK      bool
	RelayError   string

	Elapsed time.Duration
}

// TestConnectivity opens a throwaway listener and checks the inbound paths a
// peer would use: direct dial (verified by the signaling server dialing us
// back) and relay registration. Bounded by ProbeTimeout regardless of the
// caller's context.
func TestConnectivity(ctx context.Context, options ProbeOptions) ConnectivityReport {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	report := ConnectivityReport{}
	defer func() {
		report.Elapsed = time.Since(started)
	}()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return report
	}
	defer listener.Close()
	report.ListenOK = true
	report.ListenAddr = listener.Addr().String()

	// Accept and drop whatever the dial-back sends.
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	if options.Signaling == nil || !options.Signaling.Enabled() {
		return report
	}

	report.DirectChecked = true
	_, port := splitHostPort(listener.Addr().String())
	address := options.AdvertiseHost
	if address != "" {
		address = net.JoinHostPort(address, fmt.Sprintf("%d", port))
	}
	if address == "" {
		// Learn our reflexive address from a throwaway announcement.
		topic := fmt.Sprintf("probe-%d", time.Now().UnixNano())
		announce, err := options.Signaling.Announce(ctx, topic, signaling.Announcement{
			PeerID: "probe",
			Port:   port,
		})
		if err != nil {
			report.DirectError = err.Error()
		} else {
			address = net.JoinHostPort(announce.ObservedAddr, fmt.Sprintf("%d", port))
			defer options.Signaling.StopAnnouncing(topic, "probe")
			_ = options.Signaling.Withdraw(ctx, topic, "probe")
		}
	}
	if address != "" {
		resp, err := options.Signaling.Probe(ctx, address)
		if err != nil {
			report.DirectError = err.Error()
		} else {
			report.DirectReachable = resp.Reachable
			report.DirectError = resp.Error
		}
	}

	if !options.Signaling.RelayEnabled() {
		return report
	}
	report.RelayChecked = true

	// A successful registration round-trip proves the relay path; nobody will
	// splice in, so cancel the wait shortly after.
	registerCtx, cancelRegister := context.WithTimeout(ctx, 2*time.Second)
	defer cancelRegister()
	conn, err := options.Signaling.RegisterRelay(registerCtx, fmt.Sprintf("probe-%d", time.Now().UnixNano()), "probe")
	if err == nil {
		report.RelayOK = true
		_ = conn.Close()
	} else if registerCtx.Err() != nil {
		// The register itself succeeded; only the splice wait timed out.
		report.RelayOK = true
	} else {
		report.RelayError = err.Error()
	}

	return report
}
