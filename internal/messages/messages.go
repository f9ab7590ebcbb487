// Package messages renders the Lark message payloads the bot sends.
// Rendering is pure: the same inputs always produce byte-identical
// output, so edits of an already-posted card are idempotent.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionCancel = "cancel"
)

type card struct {
	Config   cardConfig    `json:"config"`
	Header   cardHeader    `json:"header"`
	Elements []cardElement `json:"elements"`
}

type cardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
	UpdateMulti    bool `json:"update_multi"`
}

type cardHeader struct {
	Template string   `json:"template"`
	Title    cardText `json:"title"`
}

type cardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type cardElement struct {
	Tag     string       `json:"tag"`
	Text    *cardText    `json:"text,omitempty"`
	Actions []cardButton `json:"actions,omitempty"`
}

type cardButton struct {
	Tag   string            `json:"tag"`
	Text  cardText          `json:"text"`
	Type  string            `json:"type"`
	Value map[string]string `json:"value"`
}

// Onboard renders the onboarding card: issuer, destination, departure
// time and the roster in join order, plus the on/off/cancel buttons.
func Onboard(issuer, destination, launch string, names []string) string {
	body := fmt.Sprintf("**Issuer:** %s\n**Departure:** %s\n%s",
		issuer, launch, rosterLines(names))
	c := card{
		Config: cardConfig{WideScreenMode: true, UpdateMulti: true},
		Header: header("blue", fmt.Sprintf("🚄 Train to %s", destination)),
		Elements: []cardElement{
			{Tag: "div", Text: &cardText{Tag: "lark_md", Content: body}},
			{Tag: "action", Actions: []cardButton{
				button("Count me in", "primary", ActionOn),
				button("Drop me off", "default", ActionOff),
				button("Cancel train", "danger", ActionCancel),
			}},
		},
	}
	return marshal(c)
}

// Reminder renders the departure reminder card.
func Reminder(destination, launch string, names []string) string {
	body := fmt.Sprintf("The train to **%s** leaves at **%s**.\n%s",
		destination, launch, rosterLines(names))
	c := card{
		Config: cardConfig{WideScreenMode: true, UpdateMulti: true},
		Header: header("orange", fmt.Sprintf("⏰ Leaving soon: %s", destination)),
		Elements: []cardElement{
			{Tag: "div", Text: &cardText{Tag: "lark_md", Content: body}},
			{Tag: "action", Actions: []cardButton{
				button("Count me in", "primary", ActionOn),
				button("Drop me off", "default", ActionOff),
				button("Cancel train", "danger", ActionCancel),
			}},
		},
	}
	return marshal(c)
}

// Departed renders the terminal card posted after the train has left.
func Departed(destination, launch string, names []string) string {
	body := fmt.Sprintf("The train to **%s** departed at **%s**.\n%s",
		destination, launch, rosterLines(names))
	c := card{
		Config: cardConfig{WideScreenMode: true, UpdateMulti: true},
		Header: header("green", fmt.Sprintf("🚄 Departed: %s", destination)),
		Elements: []cardElement{
			{Tag: "div", Text: &cardText{Tag: "lark_md", Content: body}},
		},
	}
	return marshal(c)
}

// Cancelled renders the terminal card posted when the issuer cancels.
func Cancelled(destination, launch string) string {
	body := fmt.Sprintf("The train to **%s** at **%s** was cancelled by the issuer.",
		destination, launch)
	c := card{
		Config: cardConfig{WideScreenMode: true, UpdateMulti: true},
		Header: header("red", fmt.Sprintf("❌ Cancelled: %s", destination)),
		Elements: []cardElement{
			{Tag: "div", Text: &cardText{Tag: "lark_md", Content: body}},
		},
	}
	return marshal(c)
}

// Text renders a plain text message payload.
func Text(text string) string {
	return marshal(struct {
		Text string `json:"text"`
	}{Text: text})
}

func rosterLines(names []string) string {
	if len(names) == 0 {
		return "**Passengers (0):**\nnobody on board yet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Passengers (%d):**", len(names))
	for i, name := range names {
		fmt.Fprintf(&b, "\n%d. %s", i+1, name)
	}
	return b.String()
}

func header(template, title string) cardHeader {
	return cardHeader{
		Template: template,
		Title:    cardText{Tag: "plain_text", Content: title},
	}
}

func button(label, style, state string) cardButton {
	return cardButton{
		Tag:   "button",
		Text:  cardText{Tag: "plain_text", Content: label},
		Type:  style,
		Value: map[string]string{"state": state},
	}
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// The card types above contain nothing unmarshalable.
		panic(err)
	}
	return string(data)
}
