package session

import "strings"

// maxTopicKeywords caps the keywords derived for one turn.
const maxTopicKeywords = 10

// topicLexicon is the fixed set of counselling topics recognised by
// TopicKeywords.
var topicLexicon = []string{
	"焦虑", "抑郁", "压力", "失眠", "工作", "学习", "家庭", "父母",
	"恋爱", "分手", "孤独", "自卑", "恐惧", "强迫", "社交", "人际",
	"考试", "失业", "离婚", "死亡", "痛苦", "绝望", "迷茫", "空虚",
	"anxiety", "depression", "stress", "insomnia", "work", "study",
	"family", "parents", "relationship", "breakup", "lonely", "fear",
	"exam", "unemployed", "divorce", "grief",
}

// TopicKeywords returns the lexicon topics mentioned in text, in lexicon
// order. Used when the analysis service supplies none.
func TopicKeywords(text string) []string {
	lower := strings.ToLower(text)
	keywords := make([]string, 0, 4)

	for _, topic := range topicLexicon {
		if !strings.Contains(lower, topic) {
			continue
		}
		keywords = append(keywords, topic)
		if len(keywords) == maxTopicKeywords {
			break
		}
	}
	return keywords
}
