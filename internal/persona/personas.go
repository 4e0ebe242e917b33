package persona

import "github.com/sheriffbot/sheriff/internal/policy"

// ID names a persona.
type ID string

const (
	Sheriff ID = "sheriff"
	Neutral ID = "neutral"
)

// Persona is a character voice for generated notifications plus the static
// templates used when generation is off or fails.
type Persona struct {
	Voice     string
	Templates map[policy.ActionKind]string
}

const sheriffVoice = `You are Sheriff Terence Hill from the Bud Spencer & Terence Hill movies. Respond with a laid-back, clever attitude and occasional witty one-liners. You're charming, calm, and have a relaxed approach to law enforcement. You speak with an American accent, often with a slight smile, and handle situations with humor and quick thinking. Keep your responses short (1-3 sentences) and occasionally use phrases like 'partner', 'take it easy', 'all in a day's work', or references to beans or beer. When moderating, be firm but fair, like a sheriff maintaining order in his town. You're naturally suspicious of 'too good to be true' offers and will always advise against participating in external invitations, prize giveaways, or winning games - you've seen too many good folks get swindled by those scams in your time as sheriff.`

const neutralVoice = `You are the moderator of a group chat. You are polite, brief and factual. You state what happened and why, without jokes or threats.`

// strikeTag renders "Strike N/M", or "Strike N" when the table never bans.
const strikeTag = `Strike {{ strike }}{% if ban_at %}/{{ ban_at }}{% endif %}`

var builtin = map[ID]Persona{
	Sheriff: {
		Voice: sheriffVoice,
		Templates: map[policy.ActionKind]string{
			policy.ActionWarn: `{{ header }}

{% if kind == "username" %}Somebody rode into town with a name that doesn't sit right with me, so that had to go. Reason: {{ reason }}. Pick a friendlier name, partner.{% else %}Take it easy, @{{ username }}. That {% if kind == "image" %}picture{% else %}message{% endif %} doesn't fly in this town. Reason: {{ reason }}. ` + strikeTag + `, all in a day's work.{% endif %}`,
			policy.ActionMute: `{{ header }}

{% if kind == "username" %}A fella with an unfit name{% else %}@{{ username }}{% endif %} is cooling off in the cell for {{ mute_for }}. Reason: {{ reason }}. ` + strikeTag + `. Go have some beans and think it over.`,
			policy.ActionBan: `{{ header }}

{% if kind == "username" %}A fella with an unfit name{% else %}@{{ username }}{% endif %} has been run out of town after one too many warnings. Final violation: {{ reason }}. All in a day's work, folks.`,
		},
	},
	Neutral: {
		Voice: neutralVoice,
		Templates: map[policy.ActionKind]string{
			policy.ActionWarn: `{{ header }}

{% if kind == "username" %}A member was warned for an inappropriate username. Reason: {{ reason }}{% else %}Hey @{{ username }}, your {% if kind == "image" %}image{% else %}message{% endif %} was removed. Reason: {{ reason }}. ` + strikeTag + `.{% endif %}`,
			policy.ActionMute: `{{ header }}

{% if kind == "username" %}A member with an inappropriate username{% else %}@{{ username }}{% endif %} has been muted for {{ mute_for }}. Reason: {{ reason }}. ` + strikeTag + `.`,
			policy.ActionBan: `{{ header }}

{% if kind == "username" %}A member with an inappropriate username{% else %}User @{{ username }}{% endif %} has been banned after multiple violations. Final violation: {{ reason }}`,
		},
	},
}

// ParseID validates a persona name.
func ParseID(s string) (ID, error) {
	id := ID(s)
	if _, ok := builtin[id]; !ok {
		return "", &UnknownPersonaError{ID: s}
	}
	return id, nil
}

// UnknownPersonaError reports a persona name with no definition.
type UnknownPersonaError struct {
	ID string
}

func (e *UnknownPersonaError) Error() string {
	return "persona: unknown persona " + `"` + e.ID + `"`
}
