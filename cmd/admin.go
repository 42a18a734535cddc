package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/whalelabs/whale/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, auth, and store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config:      %s\n", config.Path(cfgFile))
			fmt.Printf("data dir:    %s\n", cfg.DataDir)
			fmt.Printf("workspace:   %s\n", cfg.Agent.Workspace)
			fmt.Printf("model:       %s\n", orDefault(cfg.Agent.Model, "(provider default)"))
			fmt.Printf("permissions: %s\n", cfg.Tools.PermissionMode)
			fmt.Printf("sessions:    %s backend\n", cfg.Sessions.Backend)
			if cfg.Provider.APIKey != "" {
				fmt.Println("auth:        API key present")
			} else {
				fmt.Println("auth:        no API key (set ANTHROPIC_API_KEY or run `whale login`)")
			}
			return nil
		},
	}
}

func storesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List saved conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, cleanup, err := buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			infos, err := eng.Store.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("no conversations")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%s  %3d msgs  %s  %s\n",
					info.ID, info.MessageCount, info.Updated.Format("2006-01-02 15:04"), info.Title)
			}
			return nil
		},
	}
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage plugin tool sources",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered plugin servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.MCP.Servers) == 0 {
				fmt.Println("no plugin servers registered")
				return nil
			}
			names := make([]string, 0, len(cfg.MCP.Servers))
			for name := range cfg.MCP.Servers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				srv := cfg.MCP.Servers[name]
				fmt.Printf("%s  %s  (%d tools)\n", name, srv.URL, len(srv.Tools))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "Show one plugin server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			srv, ok := cfg.MCP.Servers[args[0]]
			if !ok {
				return fmt.Errorf("no plugin server named %q", args[0])
			}
			out, _ := json.MarshalIndent(srv, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name> <url>",
		Short: "Register a plugin server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.MCP.Servers == nil {
				cfg.MCP.Servers = make(map[string]config.MCPServer)
			}
			cfg.MCP.Servers[args[0]] = config.MCPServer{URL: args[1]}
			return config.Save(cfg, config.Path(cfgFile))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a plugin server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, ok := cfg.MCP.Servers[args[0]]; !ok {
				return fmt.Errorf("no plugin server named %q", args[0])
			}
			delete(cfg.MCP.Servers, args[0])
			return config.Save(cfg, config.Path(cfgFile))
		},
	})

	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [key] [value]",
		Short: "Show or set configuration values",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			switch len(args) {
			case 0:
				out, _ := json.MarshalIndent(cfg, "", "  ")
				fmt.Println(string(out))
				return nil
			case 1:
				return printConfigKey(cfg, args[0])
			default:
				if err := setConfigKey(cfg, args[0], args[1]); err != nil {
					return err
				}
				return config.Save(cfg, config.Path(cfgFile))
			}
		},
	}
}

func printConfigKey(cfg *config.Config, key string) error {
	switch key {
	case "model":
		fmt.Println(cfg.Agent.Model)
	case "permission_mode":
		fmt.Println(cfg.Tools.PermissionMode)
	case "workspace":
		fmt.Println(cfg.Agent.Workspace)
	case "sessions.backend":
		fmt.Println(cfg.Sessions.Backend)
	case "max_turns":
		fmt.Println(cfg.Agent.MaxTurns)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func setConfigKey(cfg *config.Config, key, value string) error {
	switch key {
	case "model":
		cfg.Agent.Model = value
	case "permission_mode":
		cfg.Tools.PermissionMode = value
		return cfg.Validate()
	case "workspace":
		cfg.Agent.Workspace = value
	case "sessions.backend":
		cfg.Sessions.Backend = value
		return cfg.Validate()
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			model := orDefault(cfg.Agent.Model, "claude-sonnet-4-5-20250929")
			mode := cfg.Tools.PermissionMode
			backend := cfg.Sessions.Backend

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().Title("Default model").Value(&model),
					huh.NewSelect[string]().Title("Permission mode").
						Options(
							huh.NewOption("ask before writes (default)", "default"),
							huh.NewOption("plan only", "plan"),
							huh.NewOption("never ask (yolo)", "yolo"),
						).Value(&mode),
					huh.NewSelect[string]().Title("Session storage").
						Options(
							huh.NewOption("JSON files", "file"),
							huh.NewOption("sqlite index", "sqlite"),
						).Value(&backend),
				),
			)
			if err := form.RunWithContext(cmd.Context()); err != nil {
				return err
			}

			cfg.Agent.Model = model
			cfg.Tools.PermissionMode = mode
			cfg.Sessions.Backend = backend
			if err := config.Save(cfg, config.Path(cfgFile)); err != nil {
				return err
			}
			fmt.Println("saved", config.Path(cfgFile))
			if os.Getenv("ANTHROPIC_API_KEY") == "" {
				fmt.Println("note: set ANTHROPIC_API_KEY before chatting")
			}
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the local environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			check := func(name string, ok bool, hint string) {
				mark := "ok  "
				if !ok {
					mark = "FAIL"
				}
				fmt.Printf("[%s] %s", mark, name)
				if !ok && hint != "" {
					fmt.Printf(" — %s", hint)
				}
				fmt.Println()
			}

			check("API key", cfg.Provider.APIKey != "", "set ANTHROPIC_API_KEY")
			if info, err := os.Stat(cfg.DataDir); err == nil {
				check("data dir", info.IsDir(), "")
			} else {
				check("data dir", false, cfg.DataDir+" missing (created on first chat)")
			}
			_, shErr := exec.LookPath("sh")
			check("shell", shErr == nil, "sh not on PATH")

			for _, lang := range []string{"go", "typescript", "python", "rust"} {
				bin := lspBinaryFor(lang)
				_, err := exec.LookPath(bin)
				check("lsp: "+lang, err == nil, bin+" not on PATH (language queries disabled for "+lang+")")
			}
			return nil
		},
	}
}

// lspBinaryFor names the preferred binary for doctor output.
func lspBinaryFor(lang string) string {
	switch lang {
	case "go":
		return "gopls"
	case "typescript":
		return "typescript-language-server"
	case "python":
		return "pyright-langserver"
	case "rust":
		return "rust-analyzer"
	}
	return lang
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store credentials hint (keys stay in the environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("ANTHROPIC_API_KEY") != "" {
				fmt.Println("ANTHROPIC_API_KEY is set; nothing to do")
				return nil
			}
			fmt.Println("whale reads credentials from the environment only.")
			fmt.Println("Add to your shell profile:")
			fmt.Println("  export ANTHROPIC_API_KEY=sk-ant-...")
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remind how to clear credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("unset ANTHROPIC_API_KEY to log out")
			return nil
		},
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
