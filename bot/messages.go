package bot

const (
	msgHelp = "/init - Initialize an event channel (post it in the channel)\n" +
		"/link - Link group chats with an event channel (usage: /link [chat_id]...)\n" +
		"/unlink - Unlink group chats from an event channel (usage: /unlink [chat_id]...)\n" +
		"/deinit - Remove an event channel with all of its events\n" +
		"/id - Get the id of a group chat\n" +
		"/events - Get a list of events for the current chat\n" +
		"/new - Create a new event (in a private chat with the bot)\n" +
		"/edit - Edit an event (in a private chat with the bot)\n" +
		"/delete - Delete an event (in a private chat with the bot)\n" +
		"/help - Print this help message"

	msgInitialized          = "Initialized"
	msgAlreadyInitialized   = "This channel is already initialized"
	msgNotInitialized       = "This channel is not initialized, post /init first"
	msgDeinitialized        = "Channel removed together with its events"
	msgLinkUsage            = "Usage: /link [chat_id]..."
	msgUnlinkUsage          = "Usage: /unlink [chat_id]..."
	msgNotLinked            = "This chat is not linked to an events channel"
	msgPrivateOnly          = "This command only works in a private chat with me"
	msgNoEligibleChannels   = "No eligible channels. Write something in a group chat linked to an events channel first."
	msgNoLinkedChats        = "None of the chats I have seen you in is linked to an events channel yet"
	msgChooseChannel        = "Which channel is the event for?"
	msgNoEvents             = "You have no events to change"
	msgChooseEditEvent      = "Which event do you want to edit?"
	msgChooseDeleteEvent    = "Which event do you want to delete?"
	msgNoUpcomingEvents     = "No upcoming events"
	msgUnauthorized         = "You are not allowed to do that for this channel"
	msgEventGone            = "That event or channel does not exist anymore"
	msgTryAgain             = "Something went wrong. Please try again later."
	msgRateLimited          = "Too many requests, please wait a minute"
	msgUnknownChoice        = "Unknown choice, please start over"
	msgCreateLinkTemplate   = "Use this link to create your event: %s"
	msgUpdateLinkTemplate   = "Use this link to update your event: %s"
	msgEventDeletedTemplate = "Event deleted: %s"
)
