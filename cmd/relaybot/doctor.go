package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/driver/bridge"
	"relaybot/internal/grouplog"
	"relaybot/internal/listenstore"
	"relaybot/internal/upstream"

	"github.com/spf13/cobra"
)

const doctorTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies that relaybot's configuration, data files, automation bridge and
answer service are reachable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int
			pass := func(check, detail string) {
				printPass(check, detail)
				passed++
			}
			fail := func(check, detail string) {
				printFail(check, detail)
				failed++
			}
			warn := func(check, detail string) {
				printWarn(check, detail)
				warned++
			}

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return nil
			}
			pass("Config file", cfgPath)

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("%d check(s) failed", failed)
			}
			pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 4*doctorTimeout)
			defer cancel()

			// 3. Data directory
			if info, err := os.Stat(cfg.General.DataDir); err != nil {
				warn("Data dir", fmt.Sprintf("not found: %s (created on serve)", cfg.General.DataDir))
			} else if !info.IsDir() {
				fail("Data dir", fmt.Sprintf("not a directory: %s", cfg.General.DataDir))
			} else {
				pass("Data dir", cfg.General.DataDir)
			}

			// 4. Declared listeners
			store := listenstore.New(listenstore.Config{Path: cfg.Listeners.StoreFile, Logger: logger})
			if names, err := store.Load(); err != nil {
				fail("Listener store", err.Error())
			} else if len(names) == 0 {
				warn("Listener store", "no conversations declared")
			} else {
				pass("Listener store", fmt.Sprintf("%d declared in %s", len(names), store.Path()))
			}

			// 5. Group log database
			if cfg.GroupLog.Enabled {
				if err := checkDatabase(ctx, cfg.GroupLog.DBPath); err != nil {
					fail("Group log", err.Error())
				} else {
					pass("Group log", cfg.GroupLog.DBPath)
				}
			}

			// 6. Automation bridge
			if cfg.Driver.Kind == config.DriverBridge {
				if err := checkBridge(ctx, cfg.Driver.Bridge); err != nil {
					fail("Bridge", err.Error())
				} else {
					pass("Bridge", cfg.Driver.Bridge.BaseURL)
				}
			} else {
				pass("Driver", fmt.Sprintf("browser (profile %s)", cfg.Driver.Browser.ProfileDir))
			}

			// 7. Answer service
			up := upstream.New(upstream.Config{
				Endpoint:       cfg.Upstream.Endpoint,
				Token:          cfg.Upstream.Token,
				ConnectTimeout: seconds(cfg.Upstream.ConnectTimeoutSeconds),
				ReadTimeout:    doctorTimeout,
				Logger:         logger,
			})
			if err := up.Ping(ctx); err != nil {
				warn("Upstream", fmt.Sprintf("%s unreachable: %v", cfg.Upstream.Endpoint, err))
			} else {
				pass("Upstream", cfg.Upstream.Endpoint)
			}

			// 8. Admin port
			if cfg.Admin.Enabled {
				addr := net.JoinHostPort(cfg.Admin.Host, strconv.Itoa(cfg.Admin.Port))
				if err := checkPort(addr); err != nil {
					warn("Admin port", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					pass("Admin port", addr+" available")
				}
			}

			// 9. Alerts
			if tc := cfg.Alert.Telegram; tc.Enabled {
				pass("Telegram alerts", fmt.Sprintf("chat %d", tc.ChatID))
			}

			// 10. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					pass("Log file", cfg.General.LogFile)
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running relaybot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nrelaybot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! relaybot is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the group log, which creates its schema, and pings it.
func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	s, err := grouplog.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer s.Close()

	pctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	if err := s.Ping(pctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

func checkBridge(ctx context.Context, bc config.BridgeDriverConfig) error {
	d, err := bridge.New(bridge.Config{BaseURL: bc.BaseURL, Token: bc.Token, Logger: logger})
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	if err := d.Ping(pctx); err != nil {
		return fmt.Errorf("%s unreachable: %w", bc.BaseURL, err)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
