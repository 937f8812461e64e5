package commands

import (
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/matheus3301/sealdm/internal/account"
	"github.com/matheus3301/sealdm/internal/api"
	"github.com/matheus3301/sealdm/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st struct {
				Account    string `json:"account"`
				SelfID     string `json:"self_id"`
				Auth       string `json:"auth"`
				Connection string `json:"connection"`
				HasKey     bool   `json:"has_key"`
				Unlocked   bool   `json:"unlocked"`
				RoomID     string `json:"room_id"`
				Encrypted  bool   `json:"encrypted"`
				LastSynced string `json:"last_synced_at"`
				UptimeMs   int64  `json:"uptime_ms"`
			}
			return call(api.MethodStatus, nil, &st, func() {
				fmt.Printf("Account:    %s (%s)\n", st.Account, st.SelfID)
				fmt.Printf("Auth:       %s\n", st.Auth)
				fmt.Printf("Connection: %s\n", st.Connection)
				fmt.Printf("Key:        stored=%v unlocked=%v\n", st.HasKey, st.Unlocked)
				if st.RoomID != "" {
					fmt.Printf("Room:       %s (encrypted=%v)\n", st.RoomID, st.Encrypted)
					if st.LastSynced != "" {
						fmt.Printf("Synced:     %s\n", st.LastSynced)
					}
				}
				fmt.Printf("Uptime:     %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
			})
		},
	}
}

type deviceReply struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the account key pair",
	}

	var pw string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a key pair and register this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := password(pw)
			if err != nil {
				return err
			}
			var reply deviceReply
			return call(api.MethodInitKeys, map[string]any{"password": p}, &reply, func() {
				fmt.Printf("Device %s registered.\nFingerprint: %s\n", reply.DeviceID, reply.Fingerprint)
			})
		},
	}
	initCmd.Flags().StringVar(&pw, "password", "", "key password (or "+passwordEnv+")")

	var source, tpw string
	transferCmd := &cobra.Command{
		Use:   "transfer",
		Short: "Fetch the key pair from another device of this account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := password(tpw)
			if err != nil {
				return err
			}
			var reply deviceReply
			return call(api.MethodTransferKeys, map[string]any{"source_device_id": source, "password": p}, &reply, func() {
				fmt.Printf("Key transferred from %s.\nFingerprint: %s\n", source, reply.Fingerprint)
			})
		},
	}
	transferCmd.Flags().StringVar(&source, "from", "", "source device ID")
	transferCmd.Flags().StringVar(&tpw, "password", "", "key password (or "+passwordEnv+")")
	_ = transferCmd.MarkFlagRequired("from")

	cmd.AddCommand(initCmd, transferCmd)
	return cmd
}

func unlockCmd() *cobra.Command {
	var pw string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the private key for this daemon session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := password(pw)
			if err != nil {
				return err
			}
			var reply struct {
				Auth string `json:"auth"`
			}
			return call(api.MethodUnlock, map[string]any{"password": p}, &reply, func() {
				fmt.Printf("Auth: %s\n", reply.Auth)
			})
		},
	}
	cmd.Flags().StringVar(&pw, "password", "", "key password (or "+passwordEnv+")")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Lock the session and wipe local keys and cached plaintext",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(api.MethodLogout, nil, nil, func() { fmt.Println("Logged out.") })
		},
	}
}

func deviceCmd() *cobra.Command {
	var showQR bool
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Print this device's fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var reply struct {
				Fingerprint string `json:"fingerprint"`
				Device      struct {
					Model     string `json:"model"`
					OSVersion string `json:"os_version"`
				} `json:"device"`
			}
			return call(api.MethodDevice, nil, &reply, func() {
				fmt.Printf("Device:      %s (%s)\n", reply.Device.Model, reply.Device.OSVersion)
				fmt.Printf("Fingerprint: %s\n", reply.Fingerprint)
				if showQR {
					fmt.Print(renderQR(reply.Fingerprint))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&showQR, "qr", false, "also print the fingerprint as a QR code")
	return cmd
}

// renderQR converts a string to a compact QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")\n"
	}
	bitmap := qr.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the backend access token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Store the access token in the account's .env file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveToken(account.EnvPath(accountName), args[0]); err != nil {
				return err
			}
			fmt.Println("Token saved; it is used on the next room open.")
			return nil
		},
	})
	return cmd
}
