// Command livectl joins a report's live topics from a terminal and runs the
// block merge offline.
package main

func main() {
	Execute()
}
