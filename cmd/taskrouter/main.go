// Command taskrouter routes tasks to command-backed agents and reports on
// their performance.
package main

func main() {
	Execute()
}
