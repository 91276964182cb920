package progress

import (
	"math"

	"github.com/p-n-ai/pai-planner/internal/curriculum"
)

// PercentFromTopics returns round(100 * |done ∩ topics| / |topics|).
// Completion order does not matter; an empty curriculum is 0%.
func PercentFromTopics(c curriculum.Curriculum, done TopicSet) int {
	topics := c.Topics()
	if len(topics) == 0 {
		return 0
	}
	n := 0
	for _, t := range topics {
		if done.Has(t.ID) {
			n++
		}
	}
	return int(math.Round(100 * float64(n) / float64(len(topics))))
}

// TopicsFromPercent marks the first floor(percent/100 * |topics|) topics in
// curriculum order as complete.
//
// This is a prefix mapping and therefore not the inverse of
// PercentFromTopics, which accepts any subset: a slider sets progress in
// bulk, checkboxes toggle individual topics. Round-tripping a percent is
// exact only within ceil(100/|topics|).
func TopicsFromPercent(c curriculum.Curriculum, percent int) (TopicSet, error) {
	if percent < 0 || percent > 100 {
		return nil, &InvalidRangeError{Percent: percent}
	}
	topics := c.Topics()
	k := percent * len(topics) / 100
	done := make(TopicSet, k)
	for _, t := range topics[:k] {
		done[t.ID] = struct{}{}
	}
	return done, nil
}

// ToggleTopic adds topicID to the set if absent and removes it otherwise,
// returning a new set and its percent. The input set is not modified. No
// ordering constraint is enforced.
func ToggleTopic(c curriculum.Curriculum, done TopicSet, topicID string) (TopicSet, int, error) {
	if !c.HasTopic(topicID) {
		return nil, 0, &UnknownTopicError{Subject: c.ID, TopicID: topicID}
	}
	next := done.Clone()
	if next.Has(topicID) {
		delete(next, topicID)
	} else {
		next[topicID] = struct{}{}
	}
	return next, PercentFromTopics(c, next), nil
}
