package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/okkake/internal/api"
	"github.com/kalambet/okkake/internal/config"
	"github.com/kalambet/okkake/internal/freshness"
	"github.com/kalambet/okkake/internal/ncode"
	"github.com/kalambet/okkake/internal/storage"
	"github.com/kalambet/okkake/internal/syosetu"
)

func categoryFlag(cmd *cobra.Command) (syosetu.Category, error) {
	raw, _ := cmd.Flags().GetString("category")
	return syosetu.ParseCategory(raw)
}

func parseCodes(args []string) ([]ncode.Ncode, error) {
	codes := make([]ncode.Ncode, 0, len(args))
	for _, a := range args {
		c, err := ncode.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", a, err)
		}
		codes = append(codes, c)
	}
	return codes, nil
}

// --- ncode ---

var ncodeCmd = &cobra.Command{
	Use:   "ncode <ncode|number>...",
	Short: "Convert between ncodes and their integer values",
	Long: `Convert between ncodes and their integer values.

Examples:
  okkake ncode n4830bu
  okkake ncode 464784`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range args {
			line, err := convertNcode(a)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

// convertNcode renders "<ncode>\t<number>" for either form of input.
func convertNcode(s string) (string, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return fmt.Sprintf("%s\t%d", ncode.Ncode(n), n), nil
	}
	c, err := ncode.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%q is neither an ncode nor a 32-bit integer", s)
	}
	return fmt.Sprintf("%s\t%d", c, uint32(c)), nil
}

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch <ncode>...",
	Short: "Load novels into the cache",
	Long: `Load novels into the cache, refetching those whose cached copy is due.

Examples:
  okkake fetch n4830bu n9669bk
  okkake fetch --category r18 n1234ab`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := categoryFlag(cmd)
		if err != nil {
			return err
		}
		codes, err := parseCodes(args)
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Fetching %d novel(s) from %s", len(codes), cat.Host())
		results := warmNovels(cmd.Context(), a.engine, cat, codes, cfg.Fetch.Concurrency)

		rows := make([][]string, 0, len(results))
		failed := 0
		for _, r := range results {
			if r.err != nil {
				failed++
				rows = append(rows, []string{r.code.String(), colorize(colorRed, "error"), "", r.err.Error()})
				continue
			}
			rows = append(rows, []string{
				r.code.String(),
				r.res.Source.String(),
				strconv.Itoa(len(r.res.Novel.Subtitles)),
				r.res.Novel.Title,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"NCODE", "SOURCE", "EPISODES", "TITLE"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
		))

		if failed > 0 {
			return fmt.Errorf("%d of %d novel(s) failed", failed, len(codes))
		}
		printSuccess("Fetched %d novel(s)", len(codes))
		return nil
	},
}

type warmResult struct {
	code ncode.Ncode
	res  freshness.Result
	err  error
}

// warmNovels loads every code through src with at most limit requests in
// flight. Results keep the order of codes.
func warmNovels(ctx context.Context, src api.NovelSource, cat syosetu.Category, codes []ncode.Ncode, limit int) []warmResult {
	results := make([]warmResult, len(codes))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, code := range codes {
		g.Go(func() error {
			res, err := src.Get(ctx, cat, code)
			results[i] = warmResult{code: code, res: res, err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

// --- feed ---

var feedCmd = &cobra.Command{
	Use:   "feed <ncode>",
	Short: "Show the entries a replay feed currently serves",
	Long: `Request a replay feed from the running server and list its entries.
Without --start the server anchors the feed at the current minute.

Examples:
  okkake feed n4830bu
  okkake feed n4830bu --start 2024-05-01T00:00:00+09:00 --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := categoryFlag(cmd)
		if err != nil {
			return err
		}
		code, err := ncode.Parse(args[0])
		if err != nil {
			return fmt.Errorf("%q: %w", args[0], err)
		}
		start, _ := cmd.Flags().GetString("start")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		feed, feedURL, err := fetchFeed(cmd.Context(), client, feedRequestPath(cat, code, start))
		if err != nil {
			return err
		}

		printStatus("Feed", "%s", feed.Title)
		printStatus("URL", "%s", feedURL)
		printStatus("Entries", "%d", len(feed.Items))
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"#", "PUBLISHED", "TITLE", "LINK"},
			feedRows(feed, limit),
			[]columnAlignment{alignRight},
		))
		return nil
	},
}

func feedRequestPath(cat syosetu.Category, code ncode.Ncode, start string) string {
	path := fmt.Sprintf("/%s/%s/atom.xml", cat.FeedPrefix(), code)
	if start != "" {
		path += "?" + url.Values{"start": {start}}.Encode()
	}
	return path
}

// fetchFeed requests and parses a feed, following the start redirect. It
// returns the final URL, which carries the anchored start time.
func fetchFeed(ctx context.Context, client *apiClient, path string) (*gofeed.Feed, string, error) {
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, "", err
	}
	if err := checkResponse(resp); err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("parsing feed: %w", err)
	}
	return feed, resp.Request.URL.String(), nil
}

func feedRows(feed *gofeed.Feed, limit int) [][]string {
	items := feed.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	rows := make([][]string, 0, len(items))
	for i, item := range items {
		published := item.Published
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{strconv.Itoa(i + 1), published, item.Title, item.Link})
	}
	return rows
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the novel cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached novels, most recently fetched first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		return withStore(func(store *storage.Store) error {
			recs, err := store.ListNovels(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				printWarning("cache is empty")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"CATEGORY", "NCODE", "STATUS", "EPISODES", "FETCHED", "TITLE"},
				cacheRows(recs),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		})
	},
}

func cacheRows(recs []storage.NovelRecord) [][]string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		fetched := r.FetchedAt.Local().Format(time.DateTime)
		if r.HasError {
			rows = append(rows, []string{r.Category, r.Ncode.String(), "error", "", fetched, r.Error})
			continue
		}
		var n syosetu.Novel
		if err := json.Unmarshal([]byte(r.NovelData), &n); err != nil {
			rows = append(rows, []string{r.Category, r.Ncode.String(), "corrupt", "", fetched, err.Error()})
			continue
		}
		rows = append(rows, []string{r.Category, r.Ncode.String(), "ok", strconv.Itoa(len(n.Subtitles)), fetched, n.Title})
	}
	return rows
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <ncode>...",
	Short: "Remove novels from the cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := categoryFlag(cmd)
		if err != nil {
			return err
		}
		codes, err := parseCodes(args)
		if err != nil {
			return err
		}

		return withStore(func(store *storage.Store) error {
			var missing []string
			for _, c := range codes {
				err := store.DeleteNovel(cmd.Context(), cat.String(), c)
				switch {
				case errors.Is(err, storage.ErrNotFound):
					missing = append(missing, c.String())
				case err != nil:
					return err
				default:
					printSuccess("Deleted %s/%s", cat, c)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("not cached: %s", strings.Join(missing, ", "))
			}
			return nil
		})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete cached novels",
	Long: `Delete cached novels. With --older-than only records fetched before
now minus the given duration are removed.

Examples:
  okkake cache purge --confirm
  okkake cache purge --older-than 720h --confirm`,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}
		if !confirm {
			printWarning("This will delete cached novels. Use --confirm to proceed.")
			return nil
		}

		var cutoff time.Time
		if olderThan > 0 {
			cutoff = time.Now().Add(-olderThan)
		}
		return withStore(func(store *storage.Store) error {
			n, err := store.PurgeNovels(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			printSuccess("Purged %d cached novel(s)", n)
			return nil
		})
	},
}

// withStore opens the cache database for the duration of fn.
func withStore(fn func(*storage.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		rows := make([][]string, 0)
		for _, k := range config.ShowAll(cfg) {
			rows = append(rows, []string{k.Key, k.Value, k.EnvVar})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"KEY", "VALUE", "ENV"}, rows, nil))
		printStatus("File", "%s", config.FilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

const categoryUsage = "site category: ncode (general) or novel18 (r18)"

func init() {
	fetchCmd.Flags().String("category", "ncode", categoryUsage)

	feedCmd.Flags().String("category", "ncode", categoryUsage)
	feedCmd.Flags().String("start", "", "RFC 3339 start time (default: server picks the current minute)")
	feedCmd.Flags().Int("limit", 20, "maximum number of entries to list (0 for all)")

	cacheListCmd.Flags().Int("limit", 50, "maximum number of records")
	cacheListCmd.Flags().Int("offset", 0, "records to skip")
	cacheDeleteCmd.Flags().String("category", "ncode", categoryUsage)
	cachePurgeCmd.Flags().Duration("older-than", 0, "only purge records fetched longer ago than this")
	cachePurgeCmd.Flags().Bool("confirm", false, "confirm the purge")
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheDeleteCmd)
	cacheCmd.AddCommand(cachePurgeCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
