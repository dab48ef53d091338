package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ashureev/threadsync/internal/app"
	"github.com/ashureev/threadsync/internal/domain"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listCmd, newCmd, openCmd, sendCmd, deleteCmd)
}

var listCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List cached conversations, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			convs, err := a.Controller.Conversations(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			active := a.Controller.Session().ActiveConversationID
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tTITLE\tMESSAGES\tUPDATED")
			for _, c := range convs {
				marker := ""
				if c.ID == active {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					marker,
					c.ID,
					c.Title,
					c.KnownMessageCount(),
					c.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a conversation and make it active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			conv, err := a.Controller.CreateConversation(ctx)
			if err != nil {
				return err
			}
			fmt.Println(conv.ID)
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <id>",
	Short: "Make a conversation active and print its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			msgs, err := a.Controller.SwitchActiveConversation(ctx, args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <prompt>...",
	Short: "Send a prompt to the active conversation and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sub := a.Hub.Subscribe("threadctl")
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				seen := 0
				for st := range sub.C() {
					for _, ev := range st.Events[min(seen, len(st.Events)):] {
						fmt.Fprintf(os.Stderr, "  [%s] %s\n", ev.Sender, ev.Message)
					}
					seen = len(st.Events)
				}
			}()

			res, err := a.Controller.SendPrompt(ctx, strings.Join(args, " "))
			a.Hub.Unsubscribe(sub)
			<-printed

			if errors.Is(err, domain.ErrStreamAborted) {
				fmt.Fprintln(os.Stderr, "Prompt cancelled.")
				return nil
			}
			if err != nil {
				return err
			}
			if res.AssistantMessage != nil {
				fmt.Println(res.AssistantMessage.Content)
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation remotely and locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Controller.DeleteConversation(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Conversation %s deleted.\n", args[0])
			return nil
		})
	},
}

func printMessage(m domain.Message) {
	fmt.Printf("%s  %s\n", m.Timestamp.Local().Format("15:04:05"), strings.ToUpper(string(m.Role)))
	for _, act := range m.Activity {
		fmt.Printf("  [%s] %s\n", act.Sender, act.Message)
	}
	fmt.Println(m.Content)
	fmt.Println()
}
