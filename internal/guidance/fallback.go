package guidance

// defaultReply is spoken when the assistant produced no reply.
const defaultReply = "Sorry, I didn't catch that. Could you say it again?"

// fallbackAnalysis is served when pose suggestions cannot be fetched. The
// slices are freshly allocated so callers may modify the result.
func fallbackAnalysis(sessionID string) FrameAnalysis {
	return FrameAnalysis{
		SessionID: sessionID,
		PoseSuggestions: []PoseSuggestion{
			{
				ID:       "p1",
				Name:     "Side turn, hand raised",
				Priority: 1,
				Tips:     []string{"Turn your body about 30 degrees", "Raise your hand near your forehead", "Relax your shoulders"},
			},
			{
				ID:       "p2",
				Name:     "Chin up, eyes above the lens",
				Priority: 2,
				Tips:     []string{"Lift your chin slightly", "Look just above the lens", "Smile a little"},
			},
			{
				ID:       "p3",
				Name:     "Crossed legs",
				Priority: 3,
				Tips:     []string{"Cross your legs", "Put your weight on the back leg", "Point the front toe to the ground"},
			},
		},
		Overlay: Overlay{
			TextHint:     "Suggested pose: side turn with a raised hand. Turn a little, lift your right hand near your forehead and relax your shoulders.",
			HintImageURL: "https://example.com/mock/pose_p1.png",
		},
		VoiceGuideText: "Okay, turn your body a little, relax your shoulders and raise your right hand near your forehead. Hold it for two seconds.",
	}
}
