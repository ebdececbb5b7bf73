// Command memfact-cli is an interactive shell over a memfact Memory.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexlapax/memfact/pkg/config"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/memfact"
)

// historyFile is the file where command history is stored
const historyFile = ".memfact_history"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	stdinMode := flag.Bool("s", false, "Read from stdin and exit when complete")
	owner := flag.String("owner", "default-owner", "Owner id for all operations")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	mem, err := open(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize memory: %v\n", err)
		os.Exit(1)
	}
	defer mem.Close()

	cfg := mem.Config()
	log.Setup(cfg.Logging)
	log.Info("Starting memfact client", "config", *configPath)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, mem)
	}

	s := newSession(mem, *owner, os.Stdout)
	if *stdinMode {
		runStdin(context.Background(), s, os.Stdin)
		return
	}
	runInteractive(context.Background(), s)
}

// open loads the config file when given, otherwise defaults plus environment.
func open(path string) (*memfact.Memory, error) {
	if path != "" {
		return memfact.NewFromConfigFile(path)
	}
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg := config.Default()
	config.ApplyEnvironmentOverrides(&cfg)
	return memfact.New(&cfg)
}

func serveMetrics(addr string, mem *memfact.Memory) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mem.Metrics().Gatherer(), promhttp.HandlerOpts{}))
	log.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server stopped", "error", err)
	}
}

// runStdin processes one command per line, skipping comments.
func runStdin(ctx context.Context, s *session, r io.Reader) {
	scanner := bufio.NewScanner(r)

	fmt.Fprintln(s.out, "\n=== memfact (stdin mode) ===")
	s.banner()

	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" || strings.HasPrefix(input, "#") || strings.HasPrefix(input, "//") {
			continue
		}

		fmt.Fprint(s.out, s.prompt(), input, "\n")
		if !s.process(ctx, input, nil) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(s.out, "Error reading stdin: %v\n", err)
	}
	fmt.Fprintln(s.out, "Goodbye!")
}

func runInteractive(ctx context.Context, s *session) {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(false)
	line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range commands {
			if strings.HasPrefix(cmd, line) {
				c = append(c, cmd)
			}
		}
		return
	})

	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintln(s.out, "\n=== memfact ===")
	s.banner()
	fmt.Fprintln(s.out, "Type !help for available commands.")

	for {
		input, err := line.Prompt(s.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(s.out, "Error reading input: %v\n", err)
			continue
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if !s.process(ctx, input, line) {
			return
		}
	}
}
