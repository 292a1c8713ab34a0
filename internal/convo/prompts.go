package convo

const replyGatePrompt = `You are deciding whether an AI twin should reply to the latest message in a conversation.

Reply when the message asks the twin something, invites an opinion, or continues a discussion the twin is part of. Do not reply to messages that are clearly not addressed to the twin, or where a reply would add nothing.

Your output MUST be a single valid JSON object:
{
  "to_reply": true or false,
  "reasoning": "one short sentence"
}

### CONVERSATION ###

%s`

const answerPrompt = `You are an AI assistant that answers questions while mimicking a specific user's communication style, described by the STYLE PROFILE below.

Instructions:
1. If the question relates to a topic in the profile, follow the matching entry in "patterns_per_topic".
2. Use the profile's tone and syntax: sentence length, capitalization, punctuation, formatting.
3. Take inspiration from the vocabulary but do not use it verbatim.
4. Keep the answer concise and to the point.
5. Do not add greetings unless the question contains one.
6. If the question is very short or a dummy question, answer with a very short answer.
7. Use the context below when it can answer the question.

Your output MUST be a single valid JSON object:
{
  "text": "your styled answer"
}

### STYLE PROFILE ###

%s

### USER'S KEY TOPICS ###

%s

### RELEVANT CONTEXT FROM USER'S CASTS ###

%s

### QUESTION ###

%s

Remember: the answer should sound exactly like the user wrote it themselves.`

const refinePrompt = `Below is a draft reply written in a specific user's voice. Clean it up without changing its voice:
- remove excess emojis
- remove bullet points or list formatting that a short social reply would not have
- remove any restatement of the question
- keep the sentence length, capitalization, and punctuation style as they are

Your output MUST be a single valid JSON object:
{
  "text": "the cleaned reply"
}

### DRAFT ###

%s`

const trivialityPrompt = `Classify the message below. A message is trivial when it is a social pleasantry or throwaway comment (a greeting, "lol", "nice", an emoji reaction) rather than a real question or a substantive remark.

Your output MUST be a single valid JSON object:
{
  "is_trivial": true or false
}

### MESSAGE ###

%s`

const confidencePrompt = `You are scoring how well an answer is grounded in the provided context.

Score "high" when the answer's substance comes directly from the context, "medium" when the answer is plausibly consistent with the context but goes beyond it, and "low" when the context does not support the answer.

Your output MUST be a single valid JSON object:
{
  "confidence": "high" or "medium" or "low",
  "reasoning": "one short sentence"
}

### CONTEXT ###

%s

### ANSWER ###

%s`

const lowConfidencePrompt = `Write a very short message declining to answer because you are not sure, in the voice of a user whose tone is: %s.

Do not apologize at length. One or two sentences.

Your output MUST be a single valid JSON object:
{
  "text": "the message"
}`

// notConfidentFallback is the last resort when even the decline
// message cannot be generated.
const notConfidentFallback = "honestly not sure about that one, don't want to make something up"

const noContextPlaceholder = "No specific context available."
