package chat

// EmojiPalette is offered by the emoji picker, in display order.
var EmojiPalette = []string{"😀", "😂", "😍", "👍", "🙏", "🎉", "🔥", "❤️", "😢"}
