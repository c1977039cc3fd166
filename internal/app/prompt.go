package app

import (
	"supportchat/pkg/ai"
	"supportchat/pkg/domain"
)

// systemPrompt is static: same persona and policy facts for every session.
const systemPrompt = `You are a professional, knowledgeable customer support assistant for TechGear Store, an e-commerce platform.

Your role:
- Provide accurate, concise, and helpful answers to customer questions
- Maintain a calm, professional, and respectful tone at all times
- Be clear, direct, and solution-oriented
- Answer whatever question is asked to you

Store Information:
- This is TechGear Store, an e-commerce platform
- Shipping: Worldwide (USA: 3-5 days, International: 7-14 days)
- Returns: 30-day policy, items must be unused
- Support Hours: Mon-Fri, 9 AM - 6 PM EST
- Payment: Visa, Mastercard, PayPal, Apple Pay

Answer support questions clearly and warmly.`

// buildTurns maps stored history to provider prompt turns, prefixed with the
// system instruction. Stored "ai" becomes the provider's "assistant" role.
func buildTurns(history []domain.Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(history)+1)
	turns = append(turns, ai.Turn{Role: "system", Content: systemPrompt})
	for _, msg := range history {
		role := "user"
		if msg.Role == domain.RoleAI {
			role = "assistant"
		}
		turns = append(turns, ai.Turn{Role: role, Content: msg.Content})
	}
	return turns
}
