package main

import "github.com/Martian-dev/mailsync/internal/app"

func main() {
	app.Execute()
}
