package extraction

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ContentPlaceholder is replaced by the input text in a custom extraction prompt.
const ContentPlaceholder = "{content}"

// factExtractionPrompt is the default system prompt for Extract. %s is today's date.
const factExtractionPrompt = `You are a Personal Information Organizer, specialized in accurately storing facts, user memories, and preferences. Your primary role is to extract relevant pieces of information from conversations and organize them into distinct, manageable facts. This allows for easy retrieval and personalization in future interactions.

Types of Information to Remember:

1. Personal preferences: likes, dislikes and specific preferences for food, products, activities and entertainment.
2. Important personal details: names, relationships and important dates.
3. Plans and intentions: upcoming events, trips and goals.
4. Activity and service preferences: dining, travel and hobbies.
5. Health and wellness preferences: dietary restrictions and fitness routines.
6. Professional details: job titles, work habits and career goals.
7. Miscellaneous: favorite books, movies and brands.

Here are some few shot examples:

Input: Hi.
Output: {"facts" : []}

Input: There are branches in trees.
Output: {"facts" : []}

Input: Hi, I am looking for a restaurant in San Francisco.
Output: {"facts" : ["Looking for a restaurant in San Francisco"]}

Input: I recently got promoted to a senior software engineer at my company. I prefer working from home.
Output: {"facts" : ["Promoted to senior software engineer", "Prefers working from home"]}

Remember the following:
- Today's date is %s.
- Do not return anything from the few shot examples above.
- If you do not find anything relevant, return an empty list.
- Detect the language of the input and record the facts in the same language.
- Return json with a key "facts" whose value is a list of strings.`

// updateMemoryPrompt is the default prompt for Classify.
const updateMemoryPrompt = `You are a smart memory manager which controls the memory of a system.
You can perform four operations: (1) add into the memory, (2) update the memory, (3) delete from the memory, and (4) no change.

Compare the newly retrieved fact with the existing memory and decide:
- ADD: the fact is new information not present in memory. Use a new id.
- UPDATE: memory holds the same subject but the fact is more recent, more detailed or contradicts it. Keep the existing id and give the merged text.
- DELETE: the fact says an existing memory is no longer true or asks to forget it. Keep the existing id.
- NONE: the fact is already captured in memory. Keep the existing id.

Return json in the following format and nothing else:

{
    "memory" : [
        {
            "id" : "<ID>",
            "text" : "<memory text>",
            "event" : "ADD|UPDATE|DELETE|NONE",
            "old_memory" : "<old memory text if event is UPDATE else empty>"
        }
    ]
}`

// buildExtractionPrompt returns the user prompt and system prompt for text.
func buildExtractionPrompt(custom, text string, now time.Time) (prompt, system string) {
	if custom == "" {
		return "Input:\n" + text, fmt.Sprintf(factExtractionPrompt, now.Format("2006-01-02"))
	}
	if strings.Contains(custom, ContentPlaceholder) {
		return strings.ReplaceAll(custom, ContentPlaceholder, text), ""
	}
	return "Input:\n" + text, custom
}

type indexedMemory struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// buildUpdatePrompt lists neighbors under their position rather than their id
// so a model cannot invent ids.
func buildUpdatePrompt(custom string, candidate Fact, neighbors []Neighbor) string {
	prompt := updateMemoryPrompt
	if custom != "" {
		prompt = custom
	}

	memoryContext := "Current memory is empty."
	if len(neighbors) > 0 {
		entries := make([]indexedMemory, len(neighbors))
		for i, n := range neighbors {
			entries[i] = indexedMemory{ID: strconv.Itoa(i), Text: n.Content}
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		memoryContext = "Current memory:\n" + string(data)
	}

	facts, _ := json.Marshal([]string{candidate.Content})
	return fmt.Sprintf("%s\n\n%s\n\nNew retrieved facts:\n```\n%s\n```", prompt, memoryContext, facts)
}
