package filter

/*
Here the Env used in the chat target filters is defined.
Once this struct is fixed, it should not be changed, otherwise filters stored in
persisted messages may not compile any more (f.e. if properties are renamed etc.)
*/

type User struct {
	ConnectionId string
	DisplayName  string
}

type Room struct {
	Id string
}

type Env struct {
	Room
	Sender  User
	Target  User
	Content string
	Created int64
}
