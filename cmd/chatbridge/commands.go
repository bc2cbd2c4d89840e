package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatbridge/internal/bots"
	"github.com/kalambet/chatbridge/internal/config"
)

func requireFlag(cmd *cobra.Command, name string) (string, error) {
	v, _ := cmd.Flags().GetString(name)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	return v, nil
}

func userAndBot(cmd *cobra.Command) (string, string, error) {
	user, err := requireFlag(cmd, "user")
	if err != nil {
		return "", "", err
	}
	botID, err := requireFlag(cmd, "bot")
	if err != nil {
		return "", "", err
	}
	return user, botID, nil
}

func userPath(user string) string {
	return "/v1/users/" + url.PathEscape(user)
}

// botsPath returns the API path of a user's bots, with elems appended as
// escaped path segments.
func botsPath(user string, elems ...string) string {
	var b strings.Builder
	b.WriteString(userPath(user))
	b.WriteString("/bots")
	for _, e := range elems {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(e))
	}
	return b.String()
}

// --- bot ---

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Create, inspect and delete bots",
}

var botCreateCmd = &cobra.Command{
	Use:   "create [files...]",
	Short: "Create a bot from a YAML manifest and ingest its documents",
	Long: `Create a bot from a YAML manifest and ingest its documents.

The manifest names the persona:

  name: helper
  company_name: Acme
  domain: IT-Helpdesk
  industry: Software
  behavior: friendly and concise

Examples:
  chatbridge bot create --user alice --manifest bot.yaml faq.pdf policies.docx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireFlag(cmd, "user")
		if err != nil {
			return err
		}
		manifestPath, err := requireFlag(cmd, "manifest")
		if err != nil {
			return err
		}
		m, err := bots.LoadManifest(manifestPath)
		if err != nil {
			return err
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			printStep("Uploading %d documents...", len(args))
		}
		resp, err := client.upload(cmd.Context(), botsPath(user), map[string]string{"manifest": string(data)}, args)
		if err != nil {
			return err
		}

		var result ingestResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		failed := printIngestion(result.Ingestion)
		printSuccess("Created bot %s (%s)", result.Bot.Name, result.Bot.ID)
		if result.Error != "" {
			printWarning("Ingestion failed: %s", result.Error)
		} else if failed > 0 {
			printWarning("%d of %d documents could not be ingested", failed, len(result.Ingestion))
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Bot.ID)
		return nil
	},
}

var botListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's bots",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireFlag(cmd, "user")
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), botsPath(user))
		if err != nil {
			return err
		}

		var result struct {
			Bots []botInfo `json:"bots"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Bots) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No bots found.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCOMPANY\tDOMAIN\tDOCS\tCREATED")
		for _, b := range result.Bots {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				b.ID, b.Name, b.CompanyName, b.Domain, len(b.Documents), formatTime(b.CreatedAt))
		}
		return tw.Flush()
	},
}

var botShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a bot's persona and documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, botID, err := userAndBot(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), botsPath(user, botID))
		if err != nil {
			return err
		}

		var b botInfo
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		printStatus(w, "Name", "%s", b.Name)
		printStatus(w, "Company", "%s", b.CompanyName)
		printStatus(w, "Domain", "%s", b.Domain)
		printStatus(w, "Industry", "%s", b.Industry)
		if b.Behavior != "" {
			printStatus(w, "Behavior", "%s", b.Behavior)
		}
		printStatus(w, "Created", "%s", formatTime(b.CreatedAt))
		printStatus(w, "Documents", "%s", strings.Join(b.Documents, ", "))
		return nil
	},
}

var botDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a bot with its documents and conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, botID, err := userAndBot(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), botsPath(user, botID))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted bot %s", botID)
		return nil
	},
}

var botStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show document and conversation statistics for a bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, botID, err := userAndBot(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), botsPath(user, botID, "stats"))
		if err != nil {
			return err
		}

		var st botStats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		printStatus(w, "Messages", "%d (%d from user, %d from bot)", st.Turns, st.UserTurns, st.AssistantTurns)
		printStatus(w, "Average response time", "%s", st.AverageResponseTime)
		printStatus(w, "Documents", "%d", len(st.Documents))
		for _, d := range st.Documents {
			if !d.Ingested {
				fmt.Fprintf(w, "    %s  %s\n", d.File, colorize(colorYellow, "not ingested"))
				continue
			}
			fmt.Fprintf(w, "    %s  %d chunks\n", d.File, d.Chunks)
		}
		return nil
	},
}

var botHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the conversation history with a bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, botID, err := userAndBot(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), botsPath(user, botID, "history"))
		if err != nil {
			return err
		}

		var result struct {
			Messages []historyTurn `json:"messages"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Messages) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No messages yet.")
			return nil
		}
		for _, m := range result.Messages {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
				formatTime(m.CreatedAt),
				colorize(colorCyan, fmt.Sprintf("%-9s", m.Role)),
				truncate(m.Content, 200),
			)
		}
		return nil
	},
}

func init() {
	botCmd.PersistentFlags().String("user", "", "owner of the bots")

	botCreateCmd.Flags().String("manifest", "", "YAML file describing the bot persona")
	for _, c := range []*cobra.Command{botShowCmd, botDeleteCmd, botStatsCmd, botHistoryCmd} {
		c.Flags().String("bot", "", "bot ID")
	}

	botCmd.AddCommand(botCreateCmd)
	botCmd.AddCommand(botListCmd)
	botCmd.AddCommand(botShowCmd)
	botCmd.AddCommand(botDeleteCmd)
	botCmd.AddCommand(botStatsCmd)
	botCmd.AddCommand(botHistoryCmd)
}

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a user together with all of their bots",
	Long: `Delete a user together with all of their bots, documents,
collections and conversation history.

Examples:
  chatbridge user delete --user alice --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := requireFlag(cmd, "user")
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to delete every bot of " + user + " without --yes")
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), userPath(user))
		if err != nil {
			return err
		}
		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted user %s (%d bots)", user, result.Deleted)
		return nil
	},
}

func init() {
	userDeleteCmd.Flags().String("user", "", "user to delete")
	userDeleteCmd.Flags().Bool("yes", false, "confirm deletion")
	userCmd.AddCommand(userDeleteCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Add documents to a bot or rebuild its knowledge base",
	Long: `Add documents to a bot or rebuild its knowledge base.

With files, they are uploaded and ingested. Without files, every stored
document of the bot is ingested again.

Examples:
  chatbridge ingest --user alice --bot 6f1c... handbook.pdf
  chatbridge ingest --user alice --bot 6f1c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, botID, err := userAndBot(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		var result ingestResult
		if len(args) > 0 {
			printStep("Uploading %d documents...", len(args))
			resp, err := client.upload(cmd.Context(), botsPath(user, botID, "documents"), nil, args)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
		} else {
			printStep("Re-ingesting stored documents...")
			resp, err := client.post(cmd.Context(), botsPath(user, botID, "ingest"), nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
		}

		failed := printIngestion(result.Ingestion)
		if result.Error != "" {
			return fmt.Errorf("ingestion failed: %s", result.Error)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents could not be ingested", failed, len(result.Ingestion))
		}
		printSuccess("Ingested %d documents", len(result.Ingestion))
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("user", "", "owner of the bot")
	ingestCmd.Flags().String("bot", "", "bot ID")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to a bot",
	Long: `Talk to a bot. Reads one message per line from stdin until EOF or
"exit". With --message a single message is sent and the reply printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, botID, err := userAndBot(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}

		chatPath := botsPath(user, botID, "chat")
		if msg, _ := cmd.Flags().GetString("message"); msg != "" {
			reply, err := sendChat(cmd, client, chatPath, msg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		}

		resp, err := client.get(cmd.Context(), botsPath(user, botID))
		if err != nil {
			return err
		}
		var b botInfo
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}
		return chatLoop(cmd, client, chatPath, b)
	},
}

func chatLoop(cmd *cobra.Command, client *apiClient, chatPath string, b botInfo) error {
	printStep("Chatting with %s from %s. Type exit to quit.", b.Name, b.CompanyName)

	in := bufio.NewScanner(cmd.InOrStdin())
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	out := cmd.OutOrStdout()
	for {
		fmt.Fprint(cmd.ErrOrStderr(), colorize(colorBold, "you> "))
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := sendChat(cmd, client, chatPath, line)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", colorize(colorGreen, b.Name+">"), reply)
	}
	return in.Err()
}

func sendChat(cmd *cobra.Command, client *apiClient, chatPath, message string) (string, error) {
	resp, err := client.post(cmd.Context(), chatPath, map[string]string{"message": message})
	if err != nil {
		return "", err
	}
	var result struct {
		Reply string `json:"reply"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	if result.Reply == "" {
		return "", errors.New("server returned an empty reply")
	}
	return result.Reply, nil
}

func init() {
	chatCmd.Flags().String("user", "", "user talking to the bot")
	chatCmd.Flags().String("bot", "", "bot ID")
	chatCmd.Flags().String("message", "", "send a single message and exit")
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
