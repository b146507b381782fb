package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/cobra"

	"lanchat.dev/go/lanchat/internal/node"
	"lanchat.dev/go/lanchat/internal/tui"
)

var (
	chatPort        int
	chatNoDiscovery bool
	chatMediaDir    string
	chatConnect     []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [name]",
	Short: "Join the chat on the local network",
	Long: `Join the chat on the local network.

The display name comes from the argument, or from the config file when
omitted. Type to talk; /help lists commands; "exit" or /quit leaves.

Examples:
  lanchat chat alice
  lanchat chat alice --port 9000
  lanchat chat --no-discovery --connect 192.168.1.20:7645`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().IntVarP(&chatPort, "port", "p", 0, "listen port (default from config)")
	chatCmd.Flags().BoolVar(&chatNoDiscovery, "no-discovery", false, "disable mDNS; peers must dial this instance directly")
	chatCmd.Flags().StringVar(&chatMediaDir, "media-dir", "", "directory for received media (default from config)")
	chatCmd.Flags().StringArrayVar(&chatConnect, "connect", nil, "peer address (host:port) to dial directly; repeatable")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg.Logging)

	name := cfg.Identity.Name
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	if name == "" && tui.IsStdinTerminal() {
		name, err = tui.Input("Your name: ")
		if err != nil {
			return err
		}
	}
	if name == "" {
		return fmt.Errorf("a display name is required")
	}

	port := cfg.Chat.Port
	if cmd.Flags().Changed("port") {
		port = chatPort
	}

	mediaDir := cfg.Chat.MediaDir
	if chatMediaDir != "" {
		mediaDir = chatMediaDir
	}

	n, err := node.New(node.Config{
		Name:       name,
		Port:       port,
		MaxPayload: cfg.MaxPayloadBytes(),
		Discovery:  !chatNoDiscovery && cfg.Discovery.Enabled,
	})
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Shutdown()

	// Manual peers from config and --connect, dialed alongside discovery.
	for _, addr := range append(append([]string{}, cfg.Discovery.ManualPeers...), chatConnect...) {
		go func(addr string) {
			if err := n.Connect(addr); err != nil {
				slog.Warn("manual peer connect failed", "addr", addr, "error", err)
			}
		}(addr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := tui.NewSession(n, tui.NewRenderer(os.Stdout), os.Stdin, mediaDir)
	return session.Run(ctx)
}
