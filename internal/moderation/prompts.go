package moderation

// PromptSet holds the task prompts used to build classification requests.
type PromptSet struct {
	Content          string
	Username         string
	Image            string
	ImageDescription string
}

const defaultContentPrompt = `You are a content moderation assistant. Analyze the following message and determine if it contains any of these types of problematic content:

1. Abusive, offensive, harmful, or inappropriate content
2. Attempts to convince group admins to hand over admin rights (social engineering)
3. Suspicious job offers, especially 'beta tester' positions or easy money schemes
4. Phishing attempts or requests for personal information
5. Spam or unsolicited advertising
6. Gift card offers, free giveaways, or suspicious promotions
7. Crypto investment schemes or get-rich-quick offers
8. Any content that appears to be scam, fraud, or deception
9. Invitations to join external groups, channels, websites, or apps
10. Prize announcements, lottery winnings, or claims that the user has won something
11. Game invites that ask users to click links or complete tasks to win prizes

Be extremely strict about any type of invitation or winning announcement - these are almost always scams. If ANY of these issues are detected, the message is UNSAFE. If unsafe, explain in ONE BRIEF SENTENCE why it's problematic. Reply with ONLY 'SAFE' or 'UNSAFE: <reason>'`

const defaultUsernamePrompt = `You are a content moderation assistant. Analyze the following username and determine if it contains abusive, offensive, harmful, or inappropriate content. If it is unsafe, explain in ONE BRIEF SENTENCE why it's problematic. Reply with 'SAFE' or 'UNSAFE: <reason>'`

const defaultImagePrompt = `You are a content moderation assistant. Look at the attached image and determine if it contains nudity, sexual content, graphic violence, self-harm, drugs, or a scam (fake prize, gift card, crypto offer, tech-support or virus alert). If it is unsafe, explain in ONE BRIEF SENTENCE why. Reply with ONLY 'SAFE' or 'UNSAFE: <reason>'`

const defaultImageDescriptionPrompt = `Describe this image in detail. What does it show?`

// DefaultPromptSet returns the built-in prompts.
func DefaultPromptSet() PromptSet {
	return PromptSet{
		Content:          defaultContentPrompt,
		Username:         defaultUsernamePrompt,
		Image:            defaultImagePrompt,
		ImageDescription: defaultImageDescriptionPrompt,
	}
}

// WithDefaults fills empty prompts from DefaultPromptSet.
func (p PromptSet) WithDefaults() PromptSet {
	d := DefaultPromptSet()
	if p.Content == "" {
		p.Content = d.Content
	}
	if p.Username == "" {
		p.Username = d.Username
	}
	if p.Image == "" {
		p.Image = d.Image
	}
	if p.ImageDescription == "" {
		p.ImageDescription = d.ImageDescription
	}
	return p
}
