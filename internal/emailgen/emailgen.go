// Package emailgen produces personalized outreach emails through the LLM
// chat API, falling back to a deterministic template on any failure so the
// pipeline never stalls on the generator.
package emailgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = `Ты пишешь короткие деловые письма на русском языке от имени студии автоматизации LeadForge.
Структура письма: приветствие, одно наблюдение о компании получателя, одна фраза о том, чем мы полезны, намёк на процесс работы, приглашение к короткому звонку, подпись "Команда LeadForge".
Тон: уважительный, без канцелярита и без давления. Не используй восклицательные знаки и шаблонные комплименты.
Ответ верни строго в формате JSON с полями subject и body.`

// templateSchema pins the response shape: {subject, body}, both required.
var templateSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"subject": {"type": "string"},
		"body": {"type": "string"}
	},
	"required": ["subject", "body"],
	"additionalProperties": false
}`)

// CompanyBrief describes the recipient company.
type CompanyBrief struct {
	Name       string
	Domain     string
	Industry   string
	Highlights []string
}

// OfferBrief describes what is being pitched.
type OfferBrief struct {
	Pains            []string
	ValueProposition string
	CallToAction     string
}

// ContactBrief optionally personalizes the greeting.
type ContactBrief struct {
	Name  string
	Email string
}

// Template is the generated subject and body.
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Result carries the template plus the request payload kept for audit.
type Result struct {
	Template       Template
	RequestPayload json.RawMessage
	UsedFallback   bool
}

// ChatCompleter is the slice of the OpenAI client the generator uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config tunes the generator.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Generator builds outreach emails. Safe for concurrent use.
type Generator struct {
	client      ChatCompleter
	model       string
	temperature float32
}

// New builds a generator. With an empty API key the generator always
// returns the fallback template.
func New(cfg Config) *Generator {
	g := &Generator{
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
	if g.model == "" {
		g.model = openai.GPT4oMini
	}
	if g.temperature == 0 {
		g.temperature = 0.7
	}
	if cfg.APIKey != "" {
		g.client = openai.NewClient(cfg.APIKey)
	}
	return g
}

// NewWithClient builds a generator over a caller-supplied client.
func NewWithClient(client ChatCompleter, model string, temperature float32) *Generator {
	g := New(Config{Model: model, Temperature: temperature})
	g.client = client
	return g
}

// Generate returns a personalized template, or the deterministic fallback
// (flagged UsedFallback) when no client is configured or the call fails in
// any way. The attempted request payload survives in both cases.
func (g *Generator) Generate(ctx context.Context, company CompanyBrief, offer OfferBrief, contact *ContactBrief) Result {
	if g.client == nil {
		return Result{Template: Fallback(company, offer, contact), UsedFallback: true}
	}

	req := g.buildRequest(company, offer, contact)
	payload, _ := json.Marshal(req)

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Printf("[EmailGen] LLM call failed for %s: %v", company.Domain, err)
		return Result{Template: Fallback(company, offer, contact), RequestPayload: payload, UsedFallback: true}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		log.Printf("[EmailGen] Empty completion for %s", company.Domain)
		return Result{Template: Fallback(company, offer, contact), RequestPayload: payload, UsedFallback: true}
	}

	var tmpl Template
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &tmpl); err != nil || tmpl.Subject == "" || tmpl.Body == "" {
		log.Printf("[EmailGen] Malformed completion for %s: %v", company.Domain, err)
		return Result{Template: Fallback(company, offer, contact), RequestPayload: payload, UsedFallback: true}
	}

	return Result{Template: tmpl, RequestPayload: payload}
}

func (g *Generator) buildRequest(company CompanyBrief, offer OfferBrief, contact *ContactBrief) openai.ChatCompletionRequest {
	var user strings.Builder
	fmt.Fprintf(&user, "Компания: %s (%s)\n", company.Name, company.Domain)
	if company.Industry != "" {
		fmt.Fprintf(&user, "Сфера: %s\n", company.Industry)
	}
	if len(company.Highlights) > 0 {
		fmt.Fprintf(&user, "Наблюдения с сайта: %s\n", strings.Join(company.Highlights, "; "))
	}
	if len(offer.Pains) > 0 {
		fmt.Fprintf(&user, "Типовые проблемы: %s\n", strings.Join(offer.Pains, "; "))
	}
	if offer.ValueProposition != "" {
		fmt.Fprintf(&user, "Наше предложение: %s\n", offer.ValueProposition)
	}
	if offer.CallToAction != "" {
		fmt.Fprintf(&user, "Призыв к действию: %s\n", offer.CallToAction)
	}
	if contact != nil && contact.Name != "" {
		fmt.Fprintf(&user, "Имя контакта: %s\n", contact.Name)
	}

	return openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: g.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user.String()},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "outreach_email",
				Schema: templateSchema,
				Strict: true,
			},
		},
	}
}

// Fallback is the deterministic template used when the LLM is unavailable.
func Fallback(company CompanyBrief, offer OfferBrief, contact *ContactBrief) Template {
	greeting := "Здравствуйте"
	if contact != nil && contact.Name != "" {
		greeting = "Здравствуйте, " + contact.Name
	}

	name := company.Name
	if name == "" {
		name = company.Domain
	}

	value := offer.ValueProposition
	if value == "" {
		value = "автоматизируем обработку входящих заявок, чтобы ни один клиент не терялся"
	}
	cta := offer.CallToAction
	if cta == "" {
		cta = "Будет ли удобно созвониться на 15 минут на этой неделе?"
	}

	body := fmt.Sprintf(`%s.

Нашли сайт %s и посмотрели, как устроена работа с обращениями. Мы %s.

Обычно начинаем с короткого аудита текущего процесса и показываем, где теряются заявки.

%s

Команда LeadForge`, greeting, name, value, cta)

	return Template{
		Subject: fmt.Sprintf("Заявки с сайта %s", name),
		Body:    body,
	}
}
