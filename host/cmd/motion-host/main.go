// Command motion-host drives the motion firmware from a terminal.
package main

func main() {
	Execute()
}
