package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	waveline "github.com/waveline-app/waveline-go"
)

var (
	chatConversationsPage int
	chatConversationsSize int
	chatHistoryPage       int
	chatHistorySize       int
)

func init() {
	chatConversationsCmd.Flags().IntVar(&chatConversationsPage, "page", 0, "page number")
	chatConversationsCmd.Flags().IntVar(&chatConversationsSize, "size", 20, "page size")
	chatHistoryCmd.Flags().IntVar(&chatHistoryPage, "page", 0, "page number")
	chatHistoryCmd.Flags().IntVar(&chatHistorySize, "size", 50, "page size")

	chatCmd.AddCommand(chatConversationsCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatReadCmd)
	chatCmd.AddCommand(chatUnreadCmd)
	chatCmd.AddCommand(chatCanChatCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Browse conversations and send messages",
}

// ============================================================================
// chat conversations
// ============================================================================

var chatConversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.Conversations(ctx, chatConversationsPage, chatConversationsSize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(page.Items) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range page.Items {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %d: %s%s\n", c.ID, c.OtherUserName, unread)
			if c.LastMessage != "" {
				fmt.Printf("     [%s] %s\n", c.LastMessageTime.Format(time.RFC3339), c.LastMessage)
			}
		}
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseID(args[0])
		if err != nil {
			return fmt.Errorf("conversation id must be numeric: %w", err)
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.Messages(ctx, conversationID, chatHistoryPage, chatHistorySize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(page.Items) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, msg := range page.Items {
			fmt.Printf("[%s] %d: %s\n", msg.Timestamp.Format(time.RFC3339), msg.SenderID, msg.Content)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0])
		if err != nil {
			return fmt.Errorf("user id must be numeric: %w", err)
		}
		message := args[1]
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		allowed, err := client.CanChat(ctx, userID)
		if err != nil {
			return fmt.Errorf("permission check failed: %w", err)
		}
		if !allowed {
			return fmt.Errorf("user %d does not accept messages from you", userID)
		}

		disp := waveline.NewDispatcher(nil)
		echo := make(chan waveline.MessageEvent, 1)
		disp.OnMessage(func(ev waveline.MessageEvent) {
			if ev.Message.ReceiverID == userID {
				select {
				case echo <- ev:
				default:
				}
			}
		})

		ch := waveline.NewChannel(waveline.ChannelConfig{BaseURL: client.BaseURL()}, disp)
		ch.Connect(context.Background(), cfg.Auth.Token)
		defer ch.Disconnect()

		if err := waitConnected(ch, 15*time.Second); err != nil {
			return err
		}
		if err := ch.Publish(userID, message); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// The server echoes the persisted message back on the event stream.
		select {
		case ev := <-echo:
			fmt.Printf("Message sent to conversation %d\n", ev.ConversationID)
			fmt.Printf("  Message ID: %d\n", ev.Message.ID)
			fmt.Printf("  Content:    %s\n", ev.Message.Content)
		case <-time.After(10 * time.Second):
			fmt.Println("Message sent (no confirmation received).")
		}
		return nil
	},
}

// ============================================================================
// chat read
// ============================================================================

var chatReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, err := parseID(args[0])
		if err != nil {
			return fmt.Errorf("conversation id must be numeric: %w", err)
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.MarkRead(ctx, conversationID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %d marked as read.\n", conversationID)
		return nil
	},
}

// ============================================================================
// chat unread
// ============================================================================

var chatUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the total number of unread messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		count, err := client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(count)
		return nil
	},
}

// ============================================================================
// chat can-chat
// ============================================================================

var chatCanChatCmd = &cobra.Command{
	Use:   "can-chat <user-id>",
	Short: "Check whether you may message a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0])
		if err != nil {
			return fmt.Errorf("user id must be numeric: %w", err)
		}
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		allowed, err := client.CanChat(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if allowed {
			fmt.Printf("You can message user %d.\n", userID)
		} else {
			fmt.Printf("User %d does not accept messages from you.\n", userID)
		}
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming events to the terminal",
	Long:  "Connect to the realtime channel and print messages, read receipts, and notifications as they arrive. Press Ctrl+C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		disp := waveline.NewDispatcher(nil)
		disp.OnConnState(func(s waveline.ConnState) {
			fmt.Fprintf(os.Stderr, "-- %s\n", s)
		})
		disp.OnMessage(func(ev waveline.MessageEvent) {
			fmt.Printf("[%s] conversation %d, from %d: %s\n",
				ev.Message.Timestamp.Format(time.RFC3339), ev.ConversationID, ev.Message.SenderID, ev.Message.Content)
		})
		disp.OnReadReceipt(func(ev waveline.ReadReceiptEvent) {
			fmt.Printf("-- conversation %d was read\n", ev.ConversationID)
		})
		disp.OnNotification(func(ev waveline.NotificationEvent) {
			fmt.Printf("-- notification: %s\n", ev.Raw)
		})
		disp.OnError(func(ev waveline.ErrorEvent) {
			fmt.Fprintf(os.Stderr, "-- server error %s: %s\n", ev.Code, ev.Message)
		})

		ch := waveline.NewChannel(waveline.ChannelConfig{BaseURL: client.BaseURL()}, disp)

		// The store keeps counters in sync while we watch, so the unread
		// total printed on each message reflects server truth.
		store := waveline.NewStore(client, ch)
		store.Bind(disp)
		defer store.Close()

		disp.OnMessage(func(waveline.MessageEvent) {
			fmt.Printf("-- unread total: %d\n", store.UnreadTotal())
		})

		ch.Connect(context.Background(), cfg.Auth.Token)
		defer ch.Disconnect()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "Stopping.")
		return nil
	},
}
