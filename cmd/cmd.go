/*
Package cmd provides the crawler CLI.

A binary that uses the stock pipeline requires simply:

	func main() {
		cmd.Execute()
	}

cmd.Execute() blocks until the selected command has completed. The crawl
command runs until a stop criterion fires or the process receives SIGINT or
SIGTERM.

Exit codes: 0 on success, 2 on a configuration error, 3 on a runtime error.
*/
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	// allow http profile
	_ "net/http/pprof"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	crawler "github.com/andrewkchan/crawler"
	"github.com/andrewkchan/crawler/console"
	"github.com/andrewkchan/crawler/content"
	"github.com/andrewkchan/crawler/coordinator"
	"github.com/andrewkchan/crawler/fabric"
	"github.com/andrewkchan/crawler/frontier"
	"github.com/andrewkchan/crawler/politeness"
)

// Exit statuses the CLI reports.
const (
	ExitOK      = 0
	ExitConfig  = 2
	ExitRuntime = 3
)

// CommanderStreams holds the i/o functions the test harness can spoof. There
// is no good way to spoof os.Exit short of this layer of indirection, and
// capturing stdout directly misbehaves under the test harness.
type CommanderStreams struct {
	Printf func(format string, args ...interface{})
	Errorf func(format string, args ...interface{})
	Exit   func(status int)
}

// Streams replaces the global CommanderStreams object and returns the old one.
func Streams(cstream CommanderStreams) CommanderStreams {
	old := commander.Streams
	commander.Streams = cstream
	return old
}

// Execute runs the command specified by the command line.
func Execute() {
	commander.Execute()
}

var commander struct {
	*cobra.Command
	Streams CommanderStreams
}

// configPath is potentially set by the CLI below.
var configPath string
var logLevel string
var prettyLog bool

func printf(format string, args ...interface{}) {
	commander.Streams.Printf(format, args...)
}

// fatalConfigf reports a configuration problem and exits with status 2.
func fatalConfigf(format string, args ...interface{}) {
	commander.Streams.Errorf(format+"\n", args...)
	commander.Streams.Exit(ExitConfig)
}

// fatalf reports a runtime problem and exits with status 3.
func fatalf(format string, args ...interface{}) {
	commander.Streams.Errorf(format+"\n", args...)
	commander.Streams.Exit(ExitRuntime)
}

func initCommand() {
	if configPath != "" {
		if err := crawler.ReadConfigFile(configPath); err != nil {
			fatalConfigf("%v", err)
			return
		}
	} else if _, err := os.Stat(crawler.ConfigName); err == nil {
		if err := crawler.ReadConfigFile(crawler.ConfigName); err != nil {
			fatalConfigf("%v", err)
			return
		}
	} else {
		fatalConfigf("no config file found; pass one with --config or create %v", crawler.ConfigName)
		return
	}

	var logOut io.Writer
	if dir := crawler.Config.Fabric.LogDir; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fatalConfigf("creating log directory: %v", err)
			return
		}
		file, err := os.OpenFile(filepath.Join(dir, "crawler.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fatalConfigf("opening log file: %v", err)
			return
		}
		logOut = io.MultiWriter(os.Stderr, file)
	}
	crawler.InitLogging(logLevel, prettyLog, logOut)

	if os.Getenv("CRAWLER_PPROF") == "1" {
		go func() {
			log := crawler.ComponentLog("pprof")
			log.Debug().Msg("pprof enabled, starting http listener")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("pprof listener failed")
			}
		}()
	}
}

// runtime is the fully wired single-host crawl: the pod fabric, one frontier
// and politeness engine per pod, the shared content store and the
// coordinator.
type runtime struct {
	fab       *fabric.Fabric
	coord     *coordinator.Coordinator
	store     *content.Store
	frontiers []*frontier.Frontier
	engines   []*politeness.Engine
	manager   *crawler.CrawlManager
}

func buildRuntime() (*runtime, error) {
	fab, err := fabric.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pod fabric: %w", err)
	}

	coordPod := crawler.Config.Fabric.GlobalCoordinationPod
	coord, err := coordinator.New(fab.Coordination(), crawler.Config.Fabric.Pods[coordPod].KVPath)
	if err != nil {
		fab.Close()
		return nil, fmt.Errorf("opening coordinator: %w", err)
	}
	if !coord.SeenRestored() {
		if err := coord.RebuildSeen(fab); err != nil {
			fab.Close()
			return nil, fmt.Errorf("rebuilding seen-set: %w", err)
		}
	}

	store, err := content.NewStore(crawler.Config.Fabric.DataDirs)
	if err != nil {
		fab.Close()
		return nil, fmt.Errorf("opening content store: %w", err)
	}

	// One transport serves the whole crawl: page fetches and robots fetches
	// share its connection pool and DNS cache.
	transport, err := crawler.DefaultTransport()
	if err != nil {
		fab.Close()
		return nil, fmt.Errorf("building transport: %w", err)
	}

	rt := &runtime{fab: fab, coord: coord, store: store}
	for i := 0; i < fab.NumPods(); i++ {
		fr, err := frontier.New(i, crawler.Config.Fabric.FrontierDir, fab.Pod(i), coord.Seen())
		if err != nil {
			fab.Close()
			return nil, fmt.Errorf("opening frontier for pod %d: %w", i, err)
		}
		eng, err := politeness.NewEngine(i, fab.Pod(i), transport)
		if err != nil {
			fab.Close()
			return nil, fmt.Errorf("building politeness engine for pod %d: %w", i, err)
		}
		rt.frontiers = append(rt.frontiers, fr)
		rt.engines = append(rt.engines, eng)
	}

	var units []crawler.PodUnit
	for i := range rt.frontiers {
		units = append(units, crawler.PodUnit{
			Frontier:   rt.frontiers[i],
			Politeness: rt.engines[i],
			Visited:    fab.Pod(i),
		})
	}
	rt.manager = &crawler.CrawlManager{
		Pods:        units,
		Coordinator: coord,
		Content:     store,
		Transport:   transport,
	}
	return rt, nil
}

func (rt *runtime) close() {
	log := crawler.ComponentLog("cmd")
	if err := rt.coord.Close(); err != nil {
		log.Error().Err(err).Msg("final checkpoint failed")
	}
	if err := rt.fab.Close(); err != nil {
		log.Error().Err(err).Msg("closing pod fabric failed")
	}
}

// readSeedFile loads a seed list, one URL per line. Blank lines and lines
// starting with # are skipped.
func readSeedFile(path string) ([]*crawler.URL, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	defer file.Close()

	var seeds []*crawler.URL
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u, err := crawler.ParseAndNormalizeURL(line)
		if err != nil {
			return nil, fmt.Errorf("seed %q failed to parse: %w", line, err)
		}
		seeds = append(seeds, u)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return seeds, nil
}

// routeLinks groups links by owning pod and admits each group into that
// pod's frontier. seed links are inserted into the seen-approximator but
// admitted regardless, and their domains are stamped as seeded.
func (rt *runtime) routeLinks(links []*crawler.URL, seed bool) (admitted, dropped int, err error) {
	numPods := len(rt.frontiers)
	batches := make(map[int][]*crawler.URL)
	for _, u := range links {
		domain, derr := u.RegistrableDomain()
		if derr != nil {
			dropped++
			continue
		}
		owner := crawler.PodOf(domain, numPods)
		batches[owner] = append(batches[owner], u)
	}
	for owner, batch := range batches {
		var a, d int
		var aerr error
		if seed {
			a, d, aerr = rt.frontiers[owner].AddSeeds(batch)
		} else {
			a, d, aerr = rt.frontiers[owner].Add(batch, false)
		}
		if aerr != nil {
			return admitted, dropped, aerr
		}
		admitted += a
		dropped += d
	}
	return admitted, dropped, nil
}

func seedDomainsOf(seeds []*crawler.URL) []string {
	seen := make(map[string]bool)
	var domains []string
	for _, u := range seeds {
		domain, err := u.RegistrableDomain()
		if err != nil || seen[domain] {
			continue
		}
		seen[domain] = true
		domains = append(domains, domain)
	}
	return domains
}

func init() {
	crawlerCommand := &cobra.Command{
		Use: "crawler",
	}

	crawlerCommand.PersistentFlags().StringVarP(&configPath,
		"config", "c", "", "path to a config file to load")
	crawlerCommand.PersistentFlags().StringVarP(&logLevel,
		"log-level", "l", "info", "log level: debug, info, warn or error")
	crawlerCommand.PersistentFlags().BoolVarP(&prettyLog,
		"pretty-log", "p", false, "log human-readable lines instead of JSON")

	var noConsole bool
	var resume bool
	var seededOnly bool
	var maxPages int64
	var maxDuration time.Duration
	crawlCommand := &cobra.Command{
		Use:   "crawl [seedfile]",
		Short: "start the all-in-one crawler",
		Long: `Crawl runs the whole pipeline on this host: every pod's fetchers and
parsers, the coordinator, the metrics listener and the console. An optional
seed file (one URL per line) is ingested before the crawl starts.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			initCommand()
			log := crawler.ComponentLog("cmd")

			rt, err := buildRuntime()
			if err != nil {
				fatalf("%v", err)
				return
			}

			if resume {
				for _, fr := range rt.frontiers {
					if err := fr.Resume(); err != nil {
						fatalf("resuming frontier: %v", err)
						return
					}
				}
			}

			if len(args) == 1 {
				seeds, err := readSeedFile(args[0])
				if err != nil {
					fatalf("%v", err)
					return
				}
				admitted, dropped, err := rt.routeLinks(seeds, true)
				if err != nil {
					fatalf("admitting seeds: %v", err)
					return
				}
				log.Info().
					Int("admitted", admitted).
					Int("dropped", dropped).
					Msg("seed file ingested")
				if seededOnly {
					domains := seedDomainsOf(seeds)
					for _, eng := range rt.engines {
						eng.SetSeedDomains(domains)
					}
				}
			} else if seededOnly {
				fatalConfigf("--seeded-urls-only requires a seed file")
				return
			}

			log.Info().
				Str("run_id", uuid.NewString()).
				Int("pods", rt.fab.NumPods()).
				Msg("starting crawl")

			console.DS = &liveModel{rt: rt}
			if !noConsole && crawler.Config.Console.Enable {
				go func() {
					if err := console.Run(); err != nil {
						log.Error().Err(err).Msg("console stopped")
					}
				}()
			}
			crawler.ServeMetrics()

			rt.coord.Run(maxPages, maxDuration)

			errc := make(chan error, 1)
			go func() {
				errc <- rt.manager.Start()
			}()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sig:
				rt.coord.Stop("interrupt received")
				rt.manager.Stop()
				<-errc
			case err := <-errc:
				if err != nil {
					rt.close()
					fatalf("crawl failed: %v", err)
					return
				}
			}

			rt.close()
			printf("crawl stopped: %v\n", rt.coord.StopReason())
			commander.Streams.Exit(ExitOK)
		},
	}
	crawlCommand.Flags().BoolVarP(&noConsole, "no-console", "C", false, "do not start the console")
	crawlCommand.Flags().BoolVarP(&resume, "resume", "r", false, "rebuild the ready queues from the persisted frontier before starting")
	crawlCommand.Flags().BoolVarP(&seededOnly, "seeded-urls-only", "S", false, "restrict the crawl to the seed file's domains")
	crawlCommand.Flags().Int64VarP(&maxPages, "max-pages", "m", 0, "stop after this many pages (0 = unlimited)")
	crawlCommand.Flags().DurationVarP(&maxDuration, "max-duration", "d", 0, "stop after this much time (0 = unlimited)")
	crawlerCommand.AddCommand(crawlCommand)

	var seedURL string
	seedCommand := &cobra.Command{
		Use:   "seed [seedfile]",
		Short: "add seed URLs to the frontier",
		Long: `Seed is useful for:
    - Adding starter links to bootstrap a broad crawl
    - Adding links that need to be crawled soon

Seeds bypass the seen-approximator check so a previously crawled URL can be
forced back into the frontier. Pass a seed file, a single --url, or both.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			initCommand()

			var seeds []*crawler.URL
			if len(args) == 1 {
				fileSeeds, err := readSeedFile(args[0])
				if err != nil {
					fatalf("%v", err)
					return
				}
				seeds = fileSeeds
			}
			if seedURL != "" {
				u, err := crawler.ParseAndNormalizeURL(seedURL)
				if err != nil {
					fatalConfigf("could not parse %v as a url: %v", seedURL, err)
					return
				}
				seeds = append(seeds, u)
			}
			if len(seeds) == 0 {
				fatalConfigf("nothing to seed; pass a seed file or --url/-u")
				return
			}

			rt, err := buildRuntime()
			if err != nil {
				fatalf("%v", err)
				return
			}
			admitted, dropped, err := rt.routeLinks(seeds, true)
			if err != nil {
				rt.close()
				fatalf("admitting seeds: %v", err)
				return
			}
			rt.close()
			printf("admitted %d urls (%d dropped)\n", admitted, dropped)
			commander.Streams.Exit(ExitOK)
		},
	}
	seedCommand.Flags().StringVarP(&seedURL, "url", "u", "", "a single URL to add as a seed")
	crawlerCommand.AddCommand(seedCommand)

	statusCommand := &cobra.Command{
		Use:   "status",
		Short: "print the crawl's persisted state",
		Long: `Status reads the pod fabric and reports the persisted counters, the stop
flag and the per-pod frontier backlog. Safe to run while no crawl is active;
do not run it against the KV stores of a live crawl.`,
		Run: func(cmd *cobra.Command, args []string) {
			initCommand()

			rt, err := buildRuntime()
			if err != nil {
				fatalf("%v", err)
				return
			}

			printf("pages_crawled: %d\n", rt.coord.PagesCrawled())
			printf("bytes_fetched: %d\n", rt.coord.BytesFetched())
			printf("stopped: %v\n", rt.coord.Stopped())
			if reason := rt.coord.StopReason(); reason != "" {
				printf("stop_reason: %v\n", reason)
			}
			for i, fr := range rt.frontiers {
				if err := fr.Resume(); err != nil {
					rt.close()
					fatalf("scanning frontier for pod %d: %v", i, err)
					return
				}
				printf("pod %d frontier_urls: %d\n", i, fr.Count())
			}

			rt.close()
			commander.Streams.Exit(ExitOK)
		},
	}
	crawlerCommand.AddCommand(statusCommand)

	dumpConfigCommand := &cobra.Command{
		Use:   "dump-config",
		Short: "print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			initCommand()

			out, err := yaml.Marshal(&crawler.Config)
			if err != nil {
				fatalf("marshalling config: %v", err)
				return
			}
			printf("%s", out)
			commander.Streams.Exit(ExitOK)
		},
	}
	crawlerCommand.AddCommand(dumpConfigCommand)

	commander.Command = crawlerCommand
	commander.Streams = CommanderStreams{
		Printf: func(format string, args ...interface{}) {
			fmt.Printf(format, args...)
		},
		Errorf: func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format, args...)
		},
		Exit: func(status int) {
			os.Exit(status)
		},
	}
}
