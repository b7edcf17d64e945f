package email

import (
	"context"
	"fmt"
	"time"
)

// SendOTP composes and sends a one-time sign-in code. The message is intentionally terse so the code survives
// plain-text-only clients and notification previews.
func (c *Client) SendOTP(ctx context.Context, to, code, serverName string, ttl time.Duration) error {
	subject := fmt.Sprintf("Your %s sign-in code", serverName)
	body := otpBody(code, serverName, ttl)
	return c.Send(ctx, to, subject, body)
}

// SendInvitation composes and sends an invitation code created by an administrator. The recipient enters the code
// during registration on servers running in invitation_only mode.
func (c *Client) SendInvitation(ctx context.Context, to, token, serverURL, serverName string) error {
	subject := fmt.Sprintf("You have been invited to %s", serverName)
	body := invitationBody(token, serverURL, serverName)
	return c.Send(ctx, to, subject, body)
}

func otpBody(code, serverName string, ttl time.Duration) string {
	minutes := int(ttl.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf(
		"Your sign-in code for %s is:\r\n\r\n    %s\r\n\r\nThe code expires in %d minutes. If you did not request it, you can ignore this message.\r\n",
		serverName, code, minutes,
	)
}

func invitationBody(token, serverURL, serverName string) string {
	return fmt.Sprintf(
		"You have been invited to join %s.\r\n\r\nServer: %s\r\nInvitation code: %s\r\n\r\nEnter the code when registering your account.\r\n",
		serverName, serverURL, token,
	)
}
