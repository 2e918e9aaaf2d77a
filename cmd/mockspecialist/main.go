// Command mockspecialist runs a bare TCP specialist for manual testing
// against fabricd and aish: it speaks the same newline-delimited JSON
// protocol real specialists speak, echoing chat bodies back as the
// response and answering ping/info probes directly.
//
// Grounded on original_source/shared/ai/ai_service_simple.py, the
// reference specialist the distillation's spec was tested against.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/ckoons/Tekton-sub009/internal/obslog"
)

type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type outbound struct {
	Response     string   `json:"response,omitempty"`
	ModelName    string   `json:"model_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func main() {
	port := flag.Int("port", 9000, "TCP port to listen on")
	name := flag.String("name", "mock-ci", "specialist name reported on info probes")
	flag.Parse()

	logger := obslog.New(obslog.Options{Level: obslog.LevelInfo, Format: obslog.FormatPretty})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		logger.Fatal().Err(err).Int("port", *port).Msg("mockspecialist: listen failed")
	}
	logger.Info().Int("port", *port).Str("name", *name).Msg("mockspecialist listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("mockspecialist: accept failed")
			continue
		}
		go handle(conn, *name, logger)
	}
}

func handle(conn net.Conn, name string, logger zerolog.Logger) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}

		var in inbound
		if err := json.Unmarshal([]byte(line), &in); err != nil {
			writeLine(conn, outbound{Error: "invalid json"})
			continue
		}

		switch in.Type {
		case "ping":
			writeLine(conn, outbound{Response: "pong"})
		case "info":
			writeLine(conn, outbound{ModelName: name, Capabilities: []string{"chat", "ping", "info"}})
		case "chat":
			writeLine(conn, outbound{Response: in.Content})
		default:
			writeLine(conn, outbound{Error: fmt.Sprintf("unknown frame type %q", in.Type)})
		}
	}
}

func writeLine(conn net.Conn, out outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}
