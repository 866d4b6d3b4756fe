package main

import "timeclerk/internal/app"

func main() {
	app.Main()
}
