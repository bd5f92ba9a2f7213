// Package reply turns a classified intent into the bot's canned answer.
// Generation is pure: no I/O and no mutation of the session.
package reply

import (
	"fmt"

	"github.com/dayuer/supportbot/internal/intent"
	"github.com/dayuer/supportbot/internal/session"
)

// WelcomeText is logged as the first bot turn of every new session.
const WelcomeText = "Hello! I'm your customer support assistant. How can I help you today?"

// TransferText is logged when a session is handed to a human agent.
const TransferText = "I'm connecting you with a human agent. Please hold on, someone will be with you shortly."

// QuickReply is a suggested follow-up; Payload is sent back as the next message.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Reply is the generated bot turn.
type Reply struct {
	Text         string
	QuickReplies []QuickReply
	// Transition, when set, is the status the session should move to.
	Transition *session.Status
}

var (
	mainMenu = []QuickReply{
		{"Pricing", "pricing"},
		{"Support", "support"},
		{"Contact", "contact"},
		{"Features", "features"},
	}
	pricingMenu = []QuickReply{
		{"Basic Plan", "basic plan"},
		{"Pro Plan", "pro plan"},
		{"Enterprise", "enterprise plan"},
		{"Compare All", "compare plans"},
	}
	supportMenu = []QuickReply{
		{"Technical Issue", "technical help"},
		{"Account Help", "account issue"},
		{"Billing Problem", "billing issue"},
		{"Human Agent", "speak to human"},
	}
	contactMenu = []QuickReply{
		{"Call Us", "call us"},
		{"Send Email", "send email"},
		{"Human Agent", "speak to human"},
		{"Main Menu", "main menu"},
	}
)

const (
	greetingText = "Hello! Welcome to our customer support. I'm here to help you with:\n" +
		"• Product Information\n" +
		"• Pricing Details\n" +
		"• Technical Support\n" +
		"• Account Issues\n\n" +
		"What would you like to know?"

	pricingText = "Here are our current pricing plans:\n\n" +
		"💰 Basic Plan: $9.99/month\n" +
		"  - 10GB Storage\n  - Basic Support\n  - 5 Users\n\n" +
		"🚀 Pro Plan: $19.99/month\n" +
		"  - 50GB Storage\n  - Priority Support\n  - 25 Users\n\n" +
		"🏢 Enterprise Plan: $49.99/month\n" +
		"  - Unlimited Storage\n  - 24/7 Support\n  - Unlimited Users\n\n" +
		"Would you like more details about any specific plan?"

	supportText = "I'm here to help with technical issues! 🛠️\n\n" +
		"Common solutions:\n" +
		"1. Check your internet connection\n" +
		"2. Clear your browser cache\n" +
		"3. Restart the application\n\n" +
		"If the issue persists, please describe your problem in detail or ask to speak to a human agent."

	productText = "Our platform offers:\n" +
		"• Cloud storage with automatic backups\n" +
		"• Team collaboration for up to unlimited users\n" +
		"• Secure sharing and access control\n" +
		"• 24/7 monitoring and support\n\n" +
		"Which feature would you like to learn more about?"

	contactText = "You can reach our support team through:\n\n" +
		"📞 Phone: 1-800-123-4567\n" +
		"📧 Email: support@company.com\n" +
		"💬 Live Chat: Available 24/7\n\n" +
		"Business Hours: Mon-Sun, 9AM-9PM EST"

	thanksText = "You're welcome! 😊 I'm glad I could help. Is there anything else you'd like to know?"

	byeText = "Thank you for chatting with us! Have a great day! 👋"

	unknownFormat = "I understand you're asking about: \"%s\"\n\n" +
		"I can help you with:\n" +
		"• Pricing information\n" +
		"• Technical support\n" +
		"• Product features\n" +
		"• Contact information\n\n" +
		"Please choose an option below or rephrase your question."
)

// Generator produces replies. The zero value is ready to use.
type Generator struct{}

// Generate returns the reply for label. rawText is only used to echo unrecognised input.
func (Generator) Generate(_ session.Session, label intent.Label, rawText string) Reply {
	switch label {
	case intent.Greeting:
		return Reply{Text: greetingText, QuickReplies: clone(mainMenu)}
	case intent.Pricing:
		return Reply{Text: pricingText, QuickReplies: clone(pricingMenu)}
	case intent.Support:
		return Reply{Text: supportText, QuickReplies: clone(supportMenu)}
	case intent.Product:
		return Reply{Text: productText, QuickReplies: clone(mainMenu)}
	case intent.Contact:
		return Reply{Text: contactText, QuickReplies: clone(contactMenu)}
	case intent.Thanks:
		return Reply{Text: thanksText, QuickReplies: clone(mainMenu)}
	case intent.Bye:
		completed := session.StatusCompleted
		return Reply{Text: byeText, Transition: &completed}
	default:
		return Reply{Text: fmt.Sprintf(unknownFormat, rawText), QuickReplies: clone(mainMenu)}
	}
}

// MainMenu returns the default quick replies.
func MainMenu() []QuickReply {
	return clone(mainMenu)
}

func clone(qr []QuickReply) []QuickReply {
	out := make([]QuickReply, len(qr))
	copy(out, qr)
	return out
}
