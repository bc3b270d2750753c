// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command tsimctl is a small client for tsimd's HTTP front door: it
// submits a reachability job, then polls the report endpoint until a
// result is ready, printing the Report JSON to stdout.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "tsimd API base address")
	srcIP := flag.String("src", "", "source IP")
	dstIP := flag.String("dst", "", "destination IP")
	port := flag.Int("port", 0, "destination port")
	proto := flag.String("proto", "tcp", "tcp or udp")
	mode := flag.String("mode", "quick", "quick or detailed")
	flag.Parse()

	args := flag.Args()
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
	}

	switch subcmd {
	case "report":
		if len(args) < 2 {
			log.Fatal("usage: tsimctl report <run_id>")
		}
		if err := fetchReport(*addr, args[1]); err != nil {
			log.Fatalf("report: %v", err)
		}
	case "submit", "":
		if *srcIP == "" || *dstIP == "" || *port == 0 {
			log.Fatal("usage: tsimctl -src <ip> -dst <ip> -port <port> [-proto tcp|udp] [-mode quick|detailed] submit")
		}
		runID, err := submitJob(*addr, *srcIP, *dstIP, *port, *proto, *mode)
		if err != nil {
			log.Fatalf("submit: %v", err)
		}
		fmt.Println(runID)
		if err := waitAndPrintReport(*addr, runID); err != nil {
			log.Fatalf("report: %v", err)
		}
	default:
		log.Fatalf("unknown command: %s", subcmd)
	}
}

type submitRequest struct {
	SourceIP         string `json:"source_ip"`
	DestIP           string `json:"dest_ip"`
	PortProtocolList []struct {
		Port  int    `json:"port"`
		Proto string `json:"proto"`
	} `json:"port_protocol_list"`
	AnalysisMode string `json:"analysis_mode"`
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

func submitJob(addr, srcIP, dstIP string, port int, proto, mode string) (string, error) {
	req := submitRequest{SourceIP: srcIP, DestIP: dstIP, AnalysisMode: mode}
	req.PortProtocolList = append(req.PortProtocolList, struct {
		Port  int    `json:"port"`
		Proto string `json:"proto"`
	}{Port: port, Proto: proto})

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	resp, err := http.Post(addr+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("contact tsimd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("tsimd returned %d: %s", resp.StatusCode, string(respBytes))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// waitAndPrintReport polls the report endpoint once a second, up to 60
// attempts, treating any non-200 status as not ready. It prints the body of
// the first 200 response, or returns a timeout error without printing.
func waitAndPrintReport(addr, runID string) error {
	for i := 0; i < 60; i++ {
		resp, err := http.Get(addr + "/api/v1/jobs/" + runID + "/report")
		if err != nil {
			return fmt.Errorf("contact tsimd: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			_, err := io.Copy(os.Stdout, resp.Body)
			return err
		}
		resp.Body.Close()
		time.Sleep(time.Second)
	}
	return fmt.Errorf("timed out waiting for report %s", runID)
}

func fetchReport(addr, runID string) error {
	resp, err := http.Get(addr + "/api/v1/jobs/" + runID + "/report")
	if err != nil {
		return fmt.Errorf("contact tsimd: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tsimd returned %d: %s", resp.StatusCode, string(respBytes))
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}
