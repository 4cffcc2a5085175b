// Command zentinel-agentctl dials a single configured agent (UDS or
// gRPC), performs the protocol handshake (UDS) or a bare ping (gRPC),
// and prints what it reports back -- useful for verifying an agent deployment out-of-band, without
// standing up the full proxy. It is not part of the agent subsystem's
// public contract; it exists to exercise agentclient the way the
// teacher's examples/*/main.go demonstrate its SDK.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/zentinelproxy/zentinel/agentclient"
	"github.com/zentinelproxy/zentinel/protocol"
)

type cliConfig struct {
	Socket     string
	GRPCTarget string
	JSONLogs   bool
	LogLevel   string
	Timeout    time.Duration
}

func parseArgs() cliConfig {
	cfg := cliConfig{LogLevel: "info", Timeout: 5 * time.Second}
	pflag.StringVar(&cfg.Socket, "socket", cfg.Socket, "Unix socket path of the agent to probe")
	pflag.StringVar(&cfg.GRPCTarget, "grpc", "", "gRPC target of the agent to probe (enables gRPC transport)")
	pflag.BoolVar(&cfg.JSONLogs, "json-logs", cfg.JSONLogs, "Emit JSON logs instead of console output")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pflag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Dial and probe timeout")
	pflag.Parse()
	return cfg
}

func setupLogging(cfg cliConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.JSONLogs {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("tool", "zentinel-agentctl").Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
}

func main() {
	cfg := parseArgs()
	setupLogging(cfg)

	if cfg.Socket == "" && cfg.GRPCTarget == "" {
		log.Fatal().Msg("one of --socket or --grpc is required")
	}
	if cfg.Socket != "" && cfg.GRPCTarget != "" {
		log.Fatal().Msg("--socket and --grpc are mutually exclusive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if cfg.Socket != "" {
		probeUnix(ctx, cfg)
		return
	}
	probeGRPC(ctx, cfg)
}

// probeUnix performs the handshake itself rather than going through
// agentclient.DialUnix, which discards the negotiated
// AgentCapabilityDescriptor once it has picked an encoding -- this tool
// exists specifically to print that descriptor.
func probeUnix(ctx context.Context, cfg cliConfig) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.Socket)
	if err != nil {
		log.Fatal().Err(err).Str("socket", cfg.Socket).Msg("failed to connect")
	}
	defer conn.Close()

	req := protocol.NewHandshakeRequest("zentinel-agentctl", "1.0.0")
	body, err := protocol.Marshal(protocol.EncodingJSON, req)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to encode handshake request")
	}
	if err := protocol.WriteFrame(conn, protocol.MsgHandshakeRequest, body); err != nil {
		log.Fatal().Err(err).Msg("failed to write handshake request")
	}

	msgType, respBody, err := protocol.ReadFrame(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read handshake response")
	}
	if msgType != protocol.MsgHandshakeResponse {
		log.Fatal().Msgf("unexpected message type %v in handshake response", msgType)
	}

	var resp protocol.HandshakeResponse
	if err := protocol.Unmarshal(protocol.EncodingJSON, respBody, &resp); err != nil {
		log.Fatal().Err(err).Msg("failed to decode handshake response")
	}
	printHandshake(resp)
	if !resp.Success {
		os.Exit(1)
	}

	if err := protocol.WriteFrame(conn, protocol.MsgPing, nil); err != nil {
		log.Fatal().Err(err).Msg("failed to send ping")
	}
	pongType, _, err := protocol.ReadFrame(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read pong")
	}
	if pongType != protocol.MsgPong {
		log.Warn().Msgf("expected pong, got %v", pongType)
		return
	}
	fmt.Println("ping: ok")
}

// probeGRPC dials via agentclient directly: the gRPC transport never
// negotiates an encoding or exchanges a capability descriptor (spec 9
// open question #2), so a bare ping is all there is to probe.
func probeGRPC(ctx context.Context, cfg cliConfig) {
	client, err := agentclient.DialGRPC(ctx, "zentinel-agentctl", cfg.GRPCTarget, cfg.Timeout)
	if err != nil {
		log.Fatal().Err(err).Str("target", cfg.GRPCTarget).Msg("failed to connect")
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping failed")
	}
	fmt.Println("ping: ok")
	fmt.Println("note: gRPC agents do not negotiate encoding or declare capabilities at connect time")
}

func printHandshake(resp protocol.HandshakeResponse) {
	fmt.Printf("protocol_version: %d\n", resp.ProtocolVersion)
	fmt.Printf("success:          %v\n", resp.Success)
	fmt.Printf("encoding:         %s\n", resp.Encoding)
	if resp.Error != "" {
		fmt.Printf("error:            %s\n", resp.Error)
	}

	caps := resp.Capabilities
	fmt.Printf("agent id:         %s\n", caps.ID)
	fmt.Printf("agent name:       %s\n", caps.Name)
	fmt.Printf("agent version:    %s\n", caps.Version)
	fmt.Printf("streaming:        %v\n", caps.Streaming)
	fmt.Printf("websocket:        %v\n", caps.WebSocket)
	fmt.Printf("guardrail:        %v\n", caps.Guardrail)

	handlesJSON, _ := json.Marshal(caps.Handles)
	fmt.Printf("handles:          %s\n", handlesJSON)
}
