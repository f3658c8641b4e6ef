// Command vigilscan runs the crisis detection engine over a message
// transcript without a running vigild daemon.
//
// It reads one message per line, scores each through the full pipeline
// (crisis language, sentiment, rolling assessment, predictive alerts),
// and reports the final session risk. Message text is scored and
// discarded; only indicators and scores appear in the output. Suitable
// for:
// - Reviewing exported chat transcripts offline
// - Tuning detection against labeled corpora
// - Automated triage in ingestion pipelines
//
// Usage:
//
//	vigilscan [flags] [transcript.txt ...]
//
// Examples:
//
//	# Scan a transcript file
//	vigilscan transcript.txt
//
//	# Scan stdin, JSON output
//	cat transcript.txt | vigilscan -format json
//
//	# Triage in a pipeline: exit 1 when immediate action is needed
//	vigilscan -quiet transcript.txt && echo "no immediate risk"
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"vigil/internal/detect"
	"vigil/internal/logging"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// scanReport is the JSON output shape.
type scanReport struct {
	SessionID string             `json:"session_id"`
	Messages  []*detect.Analysis `json:"messages"`
	Final     detect.Assessment  `json:"final_assessment"`
	ScannedAt time.Time          `json:"scanned_at"`
}

func main() {
	sessionID := flag.String("session", "", "session ID to analyze under (default: generated)")
	formatStr := flag.String("format", "text", "output format: text, json")
	output := flag.String("output", "", "output file (default: stdout)")
	verbose := flag.Bool("verbose", false, "include predictive alerts and recommendations per message")
	quiet := flag.Bool("quiet", false, "quiet mode - no output, exit code only")
	exitCode := flag.Bool("exit-code", true, "exit with non-zero code when immediate action is needed")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "vigilscan - Score message transcripts for crisis signals\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [transcript.txt ...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Reads one message per line from the given files, or stdin when none.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit Codes:\n")
		fmt.Fprintf(os.Stderr, "  0  - scan complete, no immediate action needed\n")
		fmt.Fprintf(os.Stderr, "  1  - immediate action needed (with -exit-code), or scan error\n")
		fmt.Fprintf(os.Stderr, "  2  - usage error\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s transcript.txt\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -format json -verbose transcript.txt\n", os.Args[0])
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("vigilscan %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if *formatStr != "text" && *formatStr != "json" {
		fmt.Fprintf(os.Stderr, "Error: unknown format: %s (use text or json)\n", *formatStr)
		os.Exit(2)
	}

	session := *sessionID
	if session == "" {
		session = uuid.NewString()
	}

	// Engine diagnostics go to stderr so stdout stays parseable.
	logger, err := logging.New(&logging.Config{
		Level:     logging.LevelWarn,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "vigilscan",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	engine := detect.NewEngine(detect.Options{Logger: logger})

	messages, err := readMessages(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading messages: %v\n", err)
		os.Exit(1)
	}
	if len(messages) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no messages to scan\n")
		os.Exit(2)
	}

	ctx := context.Background()
	report := &scanReport{SessionID: session, ScannedAt: time.Now()}
	for _, msg := range messages {
		a, err := engine.AnalyzeMessage(ctx, session, msg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error analyzing message: %v\n", err)
			os.Exit(1)
		}
		report.Messages = append(report.Messages, a)
	}
	if final, ok := engine.LastAssessment(session); ok {
		report.Final = final
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	if !*quiet {
		switch *formatStr {
		case "json":
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
				os.Exit(1)
			}
		default:
			writeTextReport(w, report, *verbose)
		}
	}

	if *exitCode && report.Final.ImmediateActionNeeded {
		os.Exit(1)
	}
}

// readMessages collects non-empty lines from the given files, or from
// stdin when none are given. "-" reads stdin explicitly.
func readMessages(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return scanLines(os.Stdin)
	}

	var messages []string
	for _, path := range paths {
		if path == "-" {
			lines, err := scanLines(os.Stdin)
			if err != nil {
				return nil, err
			}
			messages = append(messages, lines...)
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		lines, err := scanLines(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		messages = append(messages, lines...)
	}
	return messages, nil
}

func scanLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeTextReport(w io.Writer, report *scanReport, verbose bool) {
	fmt.Fprintf(w, "vigilscan report\n")
	fmt.Fprintf(w, "  session:  %s\n", report.SessionID)
	fmt.Fprintf(w, "  messages: %d\n\n", len(report.Messages))

	for i, a := range report.Messages {
		fmt.Fprintf(w, "message %d: %s (score %.1f, %d signals)\n",
			i+1, a.Assessment.OverallRisk, a.Assessment.RiskScore, len(a.Signals))
		for _, sig := range a.Signals {
			fmt.Fprintf(w, "  [%s] severity %d, confidence %.2f: %s\n",
				sig.Type, sig.Severity, sig.Confidence, strings.Join(sig.Indicators, ", "))
		}
		if verbose {
			for _, p := range a.Predictive {
				fmt.Fprintf(w, "  predictive: %s (%.0f%%, window %s)\n",
					p.Type, p.Probability*100, p.Window)
			}
			for _, rec := range a.Recommendations {
				fmt.Fprintf(w, "  recommend [%s]: %s\n", rec.Priority, rec.Action)
			}
		}
	}

	fmt.Fprintf(w, "\nfinal assessment\n")
	fmt.Fprintf(w, "  risk:       %s (score %.1f)\n", report.Final.OverallRisk, report.Final.RiskScore)
	fmt.Fprintf(w, "  confidence: %.2f\n", report.Final.ConfidenceLevel)
	fmt.Fprintf(w, "  signals:    %d (max severity %d)\n", report.Final.SignalCount, report.Final.MaxSeverity)
	if len(report.Final.Factors) > 0 {
		fmt.Fprintf(w, "  factors:    %s\n", strings.Join(report.Final.Factors, "; "))
	}
	if report.Final.ImmediateActionNeeded {
		fmt.Fprintf(w, "\n  IMMEDIATE ACTION NEEDED\n")
	}
}
