package main

import "github.com/TalG1018/PsyCounselor/cmd"

func main() {
	cmd.Execute()
}
